// Package proxy generates and atomically reloads per-scope reverse-proxy
// site configuration.
package proxy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/docker/go-units"

	"github.com/tidewayhq/tideway/internal/platform/apperr"
	"github.com/tidewayhq/tideway/internal/platform/logger"
	"github.com/tidewayhq/tideway/internal/slotmodel"
)

// Upstream is one backend target in a scope's upstream list.
type Upstream struct {
	Host string
	Port int
	Slot slotmodel.Name
}

// SiteSpec is everything the Configurator needs to render one scope's
// site file.
type SiteSpec struct {
	Project     string
	Environment slotmodel.Environment
	Domains     []string
	Version     string
	ActiveSlot  slotmodel.Name
	// Upstreams is ordered active-first, per spec.md §4.4/§4.6.
	Upstreams []Upstream
}

// Configurator owns the proxy's per-scope site directory.
type Configurator struct {
	root          string
	reloadCommand string
	validateCmd   string
	log           logger.Logger

	// reloadMu serializes every reload across all scopes: the external
	// proxy process cannot safely accept overlapping reloads.
	reloadMu sync.Mutex

	tmpl *template.Template
}

// New builds a Configurator rooted at dir, using the given shell
// commands to validate and reload the external proxy process.
func New(dir, validateCmd, reloadCommand string, log logger.Logger) (*Configurator, error) {
	if err := os.MkdirAll(filepath.Join(dir, "sites"), 0o755); err != nil {
		return nil, fmt.Errorf("create proxy site directory: %w", err)
	}
	tmpl, err := template.New("site").Parse(siteTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse site template: %w", err)
	}
	return &Configurator{root: dir, reloadCommand: reloadCommand, validateCmd: validateCmd, log: log, tmpl: tmpl}, nil
}

func (c *Configurator) sitePath(project string, env slotmodel.Environment) string {
	return filepath.Join(c.root, "sites", fmt.Sprintf("%s-%s.conf", project, env))
}

// RenderAndReload atomically writes the scope's site file and reloads
// the proxy. The previous file is kept as a `.bak`; on validation or
// reload failure the backup is restored and an error is returned.
func (c *Configurator) RenderAndReload(ctx context.Context, spec SiteSpec) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	path := c.sitePath(spec.Project, spec.Environment)
	backupPath := path + ".bak"

	previous, hadPrevious, err := readIfExists(path)
	if err != nil {
		return apperr.Wrap(apperr.KindProxyReloadFailed, "read existing site file", err)
	}

	rendered, err := c.render(spec)
	if err != nil {
		return apperr.Wrap(apperr.KindProxyReloadFailed, "render site file", err)
	}

	if hadPrevious {
		if err := os.WriteFile(backupPath, previous, 0o644); err != nil {
			return apperr.Wrap(apperr.KindProxyReloadFailed, "write backup site file", err)
		}
	}

	if err := atomicWrite(path, rendered); err != nil {
		return apperr.Wrap(apperr.KindProxyReloadFailed, "write site file", err)
	}

	if err := c.validate(ctx); err != nil {
		c.restore(path, backupPath, previous, hadPrevious)
		return apperr.Wrap(apperr.KindProxyReloadFailed, "site configuration invalid", err)
	}

	if err := c.reload(ctx); err != nil {
		c.restore(path, backupPath, previous, hadPrevious)
		return apperr.Wrap(apperr.KindProxyReloadFailed, "proxy reload failed", err)
	}

	c.log.Info("proxy site reloaded", "project", spec.Project, "environment", spec.Environment)
	return nil
}

// Remove deletes the scope's site file and reloads.
func (c *Configurator) Remove(ctx context.Context, project string, env slotmodel.Environment) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	path := c.sitePath(project, env)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindProxyReloadFailed, "remove site file", err)
	}
	if err := c.reload(ctx); err != nil {
		return apperr.Wrap(apperr.KindProxyReloadFailed, "proxy reload failed", err)
	}
	return nil
}

func (c *Configurator) restore(path, backupPath string, previous []byte, hadPrevious bool) {
	if hadPrevious {
		if err := atomicWrite(path, previous); err != nil {
			c.log.Error("failed to restore site file from backup", logger.Err(err))
		}
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.log.Error("failed to remove site file after failed render", logger.Err(err))
	}
	_ = os.Remove(backupPath)
}

func (c *Configurator) render(spec SiteSpec) ([]byte, error) {
	var buf strings.Builder
	if err := c.tmpl.Execute(&buf, renderData(spec)); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func (c *Configurator) validate(ctx context.Context) error {
	if c.validateCmd == "" {
		return nil
	}
	return runShell(ctx, c.validateCmd)
}

func (c *Configurator) reload(ctx context.Context) error {
	if c.reloadCommand == "" {
		return nil
	}
	return runShell(ctx, c.reloadCommand)
}

func runShell(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", command, err, out)
	}
	return nil
}

func readIfExists(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// atomicWrite writes data to a temp file in the same directory as path
// and renames it into place, matching the registry's own atomic-write
// idiom.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	dirHandle, err := os.Open(dir)
	if err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
	return nil
}

type templateData struct {
	Project     string
	Environment string
	Domains     []string
	Version     string
	ActiveSlot  string
	Upstreams   []templateUpstream
	AccessLog   string
	RotateSize  string
}

type templateUpstream struct {
	HostPort string
	Slot     string
}

func renderData(spec SiteSpec) templateData {
	td := templateData{
		Project:     spec.Project,
		Environment: string(spec.Environment),
		Domains:     spec.Domains,
		Version:     spec.Version,
		ActiveSlot:  string(spec.ActiveSlot),
		AccessLog:   fmt.Sprintf("%s-%s-access.log", spec.Project, spec.Environment),
		RotateSize:  units.BytesSize(10 * 1024 * 1024),
	}
	for _, u := range spec.Upstreams {
		td.Upstreams = append(td.Upstreams, templateUpstream{
			HostPort: fmt.Sprintf("%s:%d", u.Host, u.Port),
			Slot:     string(u.Slot),
		})
	}
	return td
}

const siteTemplate = `# managed by tideway; do not edit by hand
# project={{.Project}} environment={{.Environment}}
upstream {{.Project}}_{{.Environment}} {
{{- range .Upstreams}}
    server {{.HostPort}}; # slot={{.Slot}}
{{- end}}
}

server {
{{- range .Domains}}
    server_name {{.}};
{{- end}}

    gzip on;

    add_header X-Project "{{.Project}}" always;
    add_header X-Environment "{{.Environment}}" always;
    add_header X-Version "{{.Version}}" always;
    add_header X-Slot "{{.ActiveSlot}}" always;
    server_tokens off;

    access_log /var/log/tideway/{{.AccessLog}} combined;
    # rotation: {{.RotateSize}} per file, 5 files retained (handled by logrotate)

    location / {
        proxy_pass http://{{.Project}}_{{.Environment}};
        health_check uri=/health interval=10s fails=1 timeout=5s fail_timeout=10s;
    }
}
`
