package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tidewayhq/tideway/internal/coordinator"
	"github.com/tidewayhq/tideway/internal/platform/apperr"
	"github.com/tidewayhq/tideway/internal/platform/logger"
	"github.com/tidewayhq/tideway/internal/registry"
	"github.com/tidewayhq/tideway/internal/slotmodel"
)

// toolRequest is POST /tool's envelope: {tool, params}.
type toolRequest struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// toolFunc executes one named tool against its raw params and returns
// the result value to embed in the response envelope.
type toolFunc func(c *gin.Context, params json.RawMessage) (any, error)

// ToolDispatcher is the POST /tool dispatch table.
type ToolDispatcher struct {
	coord *coordinator.Coordinator
	reg   *registry.Registry
	log   logger.Logger
	tools map[string]toolFunc
}

// NewToolDispatcher builds the dispatch table over the given
// coordinator and registry.
func NewToolDispatcher(coord *coordinator.Coordinator, reg *registry.Registry, log logger.Logger) *ToolDispatcher {
	d := &ToolDispatcher{coord: coord, reg: reg, log: log}
	d.tools = map[string]toolFunc{
		"deploy":       d.deploy,
		"promote":      d.promote,
		"rollback":     d.rollback,
		"slot_list":    d.slotList,
		"slot_status":  d.slotStatus,
		"slot_cleanup": d.slotCleanup,
		"slot_history": d.slotHistory,
	}
	return d
}

// Handle is the gin handler for POST /tool.
func (d *ToolDispatcher) Handle(c *gin.Context) {
	var req toolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	fn, ok := d.tools[req.Tool]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "tool": req.Tool, "error": "unknown tool"})
		return
	}

	result, err := fn(c, req.Params)
	if err != nil {
		d.log.Warn("tool invocation failed", "tool", req.Tool, logger.Err(err))
		c.JSON(apperr.StatusCodeOf(err), gin.H{"success": false, "tool": req.Tool, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tool": req.Tool, "result": result})
}

func resolveEnv(raw string) (slotmodel.Environment, error) {
	if raw == "" {
		raw = string(slotmodel.Production)
	}
	env := slotmodel.Environment(raw)
	if !env.Valid() {
		return "", apperr.New(apperr.KindValidation, "unknown environment "+raw).WithDetails(map[string]any{"environment": raw})
	}
	return env, nil
}

type deployParams struct {
	ProjectName     string `json:"projectName"`
	Environment     string `json:"environment"`
	Image           string `json:"image"`
	SkipHealthcheck bool   `json:"skipHealthcheck"`
	AutoPromote     bool   `json:"autoPromote"`
}

func (d *ToolDispatcher) deploy(c *gin.Context, raw json.RawMessage) (any, error) {
	var p deployParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid deploy params", err)
	}
	if p.ProjectName == "" {
		return nil, apperr.New(apperr.KindValidation, "projectName is required")
	}
	if p.Image == "" {
		return nil, apperr.New(apperr.KindValidation, "image is required")
	}
	env, err := resolveEnv(p.Environment)
	if err != nil {
		return nil, err
	}
	return d.coord.Deploy(c.Request.Context(), p.ProjectName, env, p.Image, coordinator.DeployOptions{
		SkipHealthcheck: p.SkipHealthcheck,
		AutoPromote:     p.AutoPromote,
	})
}

type promoteParams struct {
	ProjectName string `json:"projectName"`
	Environment string `json:"environment"`
	TargetSlot  string `json:"targetSlot"`
}

func (d *ToolDispatcher) promote(c *gin.Context, raw json.RawMessage) (any, error) {
	var p promoteParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid promote params", err)
	}
	if p.ProjectName == "" {
		return nil, apperr.New(apperr.KindValidation, "projectName is required")
	}
	env, err := resolveEnv(p.Environment)
	if err != nil {
		return nil, err
	}
	var target *slotmodel.Name
	if p.TargetSlot != "" {
		t := slotmodel.Name(p.TargetSlot)
		target = &t
	}
	return d.coord.Promote(c.Request.Context(), p.ProjectName, env, target)
}

type scopeParams struct {
	ProjectName string `json:"projectName"`
	Environment string `json:"environment"`
}

func (d *ToolDispatcher) rollback(c *gin.Context, raw json.RawMessage) (any, error) {
	var p scopeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid rollback params", err)
	}
	if p.ProjectName == "" {
		return nil, apperr.New(apperr.KindValidation, "projectName is required")
	}
	env, err := resolveEnv(p.Environment)
	if err != nil {
		return nil, err
	}
	return d.coord.Rollback(c.Request.Context(), p.ProjectName, env)
}

type listParams struct {
	ProjectName string `json:"projectName"`
	Environment string `json:"environment"`
}

func (d *ToolDispatcher) slotList(c *gin.Context, raw json.RawMessage) (any, error) {
	var p listParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "invalid slot_list params", err)
		}
	}
	scopes, err := d.reg.ListScopes(c.Request.Context(), p.ProjectName, p.Environment)
	if err != nil {
		return nil, err
	}
	return scopeSummaries(scopes), nil
}

func (d *ToolDispatcher) slotStatus(c *gin.Context, raw json.RawMessage) (any, error) {
	var p scopeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid slot_status params", err)
	}
	if p.ProjectName == "" {
		return nil, apperr.New(apperr.KindValidation, "projectName is required")
	}
	env, err := resolveEnv(p.Environment)
	if err != nil {
		return nil, err
	}
	scope, err := d.reg.Load(c.Request.Context(), p.ProjectName, env)
	if err != nil {
		return nil, err
	}
	history, err := d.reg.History(c.Request.Context(), p.ProjectName, string(env), 5)
	if err != nil {
		d.log.Warn("slot_status: failed to load history", logger.Err(err))
		history = nil
	}
	summary := scopeSummaries([]*slotmodel.Scope{scope})[0]
	return gin.H{
		"project":     summary["project"],
		"environment": summary["environment"],
		"activeSlot":  summary["activeSlot"],
		"slots":       summary["slots"],
		"history":     history,
	}, nil
}

type cleanupParams struct {
	ProjectName string `json:"projectName"`
	Environment string `json:"environment"`
	Force       bool   `json:"force"`
}

func (d *ToolDispatcher) slotCleanup(c *gin.Context, raw json.RawMessage) (any, error) {
	var p cleanupParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "invalid slot_cleanup params", err)
		}
	}
	return d.coord.Cleanup(c.Request.Context(), p.ProjectName, p.Environment, p.Force)
}

// defaultHistoryLimit bounds slot_history's result set when the caller
// supplies no limit (or a non-positive one).
const defaultHistoryLimit = 50

type slotHistoryParams struct {
	ProjectName string `json:"projectName"`
	Environment string `json:"environment"`
	Limit       int    `json:"limit"`
}

func (d *ToolDispatcher) slotHistory(c *gin.Context, raw json.RawMessage) (any, error) {
	var p slotHistoryParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid slot_history params", err)
	}
	if p.ProjectName == "" {
		return nil, apperr.New(apperr.KindValidation, "projectName is required")
	}
	env, err := resolveEnv(p.Environment)
	if err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return d.reg.History(c.Request.Context(), p.ProjectName, string(env), limit)
}

func scopeSummaries(scopes []*slotmodel.Scope) []gin.H {
	out := make([]gin.H, 0, len(scopes))
	for _, scope := range scopes {
		var active any
		if scope.ActiveSlot != nil {
			active = string(*scope.ActiveSlot)
		}
		out = append(out, gin.H{
			"project":     scope.Project,
			"environment": string(scope.Environment),
			"activeSlot":  active,
			"slots": gin.H{
				"blue":  slotSummary(&scope.Blue),
				"green": slotSummary(&scope.Green),
			},
		})
	}
	return out
}

func slotSummary(slot *slotmodel.Slot) gin.H {
	h := gin.H{
		"state": string(slot.State),
	}
	if !slot.Empty() {
		h["port"] = slot.Port
		h["container"] = slot.ContainerID
		h["image"] = slot.Image
		if !slot.DeployedAt.IsZero() {
			h["deployedAt"] = slot.DeployedAt
		}
		if !slot.GraceExpiresAt.IsZero() {
			h["graceExpiresAt"] = slot.GraceExpiresAt
		}
	}
	return h
}
