// Package site finds benches and their sites on remote hosts.
package site

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/itsdave-de/frappebr/internal/br"
	"github.com/itsdave-de/frappebr/internal/remote"
)

// DefaultSearchPaths are the usual bench locations. Patterns ending in
// frappe-* match any bench directory name, others look for frappe-bench.
var DefaultSearchPaths = []string{
	"/home/*/frappe-bench",
	"/home/*/frappe-*",
	"/opt/bench/*/frappe-bench",
	"/opt/bench/*/frappe-*",
	"/var/www/*/frappe-bench",
	"/var/www/*/frappe-*",
	"~/frappe-bench",
	"~/frappe-*",
}

// Search paths are passed to the remote shell unquoted so that globs
// expand there; anything beyond path and glob characters is refused.
var safeSearchPath = regexp.MustCompile(`^[A-Za-z0-9_./*~-]+$`)

// Discovery implements br.SiteDiscoverer.
type Discovery struct {
	remote br.RemoteExecutor
	logger br.Logger
}

var _ br.SiteDiscoverer = (*Discovery)(nil)

func NewDiscovery(remote br.RemoteExecutor, logger br.Logger) *Discovery {
	if logger == nil {
		logger = br.NewNopLogger()
	}
	return &Discovery{remote: remote, logger: logger}
}

// FindBenches returns the valid bench directories under searchPaths,
// deduplicated and sorted. An empty searchPaths uses DefaultSearchPaths.
func (d *Discovery) FindBenches(ctx context.Context, host string, searchPaths []string) ([]string, error) {
	if len(searchPaths) == 0 {
		searchPaths = DefaultSearchPaths
	}

	seen := make(map[string]bool)
	var benches []string
	for _, sp := range searchPaths {
		if !safeSearchPath.MatchString(sp) {
			d.logger.Warn("ignoring search path", "path", sp)
			continue
		}
		var cmd string
		if base, ok := strings.CutSuffix(sp, "/frappe-*"); ok {
			cmd = fmt.Sprintf("find %s -maxdepth 1 -name 'frappe-*' -type d 2>/dev/null || true", base)
		} else {
			cmd = fmt.Sprintf("find %s -maxdepth 2 -name frappe-bench -type d 2>/dev/null || true", sp)
		}
		res, err := d.remote.Execute(ctx, host, cmd)
		if err != nil {
			return nil, fmt.Errorf("searching %s on %s: %w", sp, host, err)
		}
		for _, line := range strings.Split(res.Stdout, "\n") {
			p := strings.TrimSpace(line)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			ok, err := d.isBench(ctx, host, p)
			if err != nil {
				return nil, err
			}
			if ok {
				benches = append(benches, p)
			}
		}
	}
	sort.Strings(benches)
	return benches, nil
}

func (d *Discovery) isBench(ctx context.Context, host, dir string) (bool, error) {
	for _, p := range []string{"sites", "apps", "sites/common_site_config.json"} {
		ok, err := d.remote.FileExists(ctx, host, path.Join(dir, p))
		if err != nil {
			return false, fmt.Errorf("checking %s on %s: %w", dir, host, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type siteConfig struct {
	DBName string `json:"db_name"`
}

// ListSites returns every directory under <bench>/sites holding a
// site_config.json. A site whose details cannot be read is skipped.
func (d *Discovery) ListSites(ctx context.Context, host, benchPath string) ([]*br.SiteInfo, error) {
	ok, err := d.isBench(ctx, host, benchPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s on %s is not a bench", benchPath, host)
	}

	sitesDir := path.Join(benchPath, "sites")
	cmd := fmt.Sprintf(`cd %s && for d in */; do [ -f "$d/site_config.json" ] && echo "${d%%/}"; done; true`, remote.Quote(sitesDir))
	res, err := d.remote.Execute(ctx, host, cmd)
	if err != nil {
		return nil, fmt.Errorf("listing sites of %s on %s: %w", benchPath, host, err)
	}

	var sites []*br.SiteInfo
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		info, err := d.siteInfo(ctx, host, benchPath, name)
		if err != nil {
			d.logger.Warn("skipping site", "host", host, "site", name, "error", err)
			continue
		}
		sites = append(sites, info)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Name < sites[j].Name })
	return sites, nil
}

func (d *Discovery) siteInfo(ctx context.Context, host, benchPath, name string) (*br.SiteInfo, error) {
	dir := path.Join(benchPath, "sites", name)
	info := &br.SiteInfo{
		Name:      name,
		BenchPath: benchPath,
		DBName:    strings.ReplaceAll(name, ".", "_") + "_db",
	}

	res, err := d.remote.Execute(ctx, host, "cat "+remote.Quote(path.Join(dir, "site_config.json")))
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("reading site_config.json: exit %d", res.ExitCode)
	}
	var cfg siteConfig
	if err := json.Unmarshal([]byte(res.Stdout), &cfg); err != nil {
		return nil, fmt.Errorf("parsing site_config.json: %w", err)
	}
	if cfg.DBName != "" {
		info.DBName = cfg.DBName
	}

	res, err = d.remote.Execute(ctx, host, "cat "+remote.Quote(path.Join(dir, "apps.txt"))+" 2>/dev/null")
	if err != nil {
		return nil, err
	}
	if res.OK() {
		for _, line := range strings.Split(res.Stdout, "\n") {
			if app := strings.TrimSpace(line); app != "" {
				info.Apps = append(info.Apps, app)
			}
		}
	}

	res, err = d.remote.Execute(ctx, host, "du -sk "+remote.Quote(dir)+" 2>/dev/null")
	if err != nil {
		return nil, err
	}
	if fields := strings.Fields(res.Stdout); res.OK() && len(fields) > 0 {
		if kb, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			info.SizeBytes = kb * 1024
		}
	}
	return info, nil
}
