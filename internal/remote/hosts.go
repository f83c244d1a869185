package remote

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"

	"github.com/itsdave-de/frappebr/internal/br"
)

const defaultSSHPort = 22

// Directory answers host lookups from an OpenSSH client config file.
type Directory struct {
	cfg         *ssh_config.Config
	defaultUser string
	home        string
}

var _ br.HostDirectory = (*Directory)(nil)

// LoadDirectory parses the ssh config at path. A missing file yields an empty
// directory where every alias resolves to itself on port 22.
func LoadDirectory(path string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDirectory(strings.NewReader(""))
		}
		return nil, fmt.Errorf("opening ssh config: %w", err)
	}
	defer f.Close()
	return NewDirectory(f)
}

// NewDirectory parses ssh config text from r.
func NewDirectory(r io.Reader) (*Directory, error) {
	cfg, err := ssh_config.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh config: %w", err)
	}
	home, _ := os.UserHomeDir()
	return &Directory{
		cfg:         cfg,
		defaultUser: os.Getenv("USER"),
		home:        home,
	}, nil
}

// Hosts returns every concrete alias (no wildcards or negations), sorted.
func (d *Directory) Hosts() []br.HostEntry {
	seen := make(map[string]bool)
	var aliases []string
	for _, h := range d.cfg.Hosts {
		for _, p := range h.Patterns {
			alias := p.String()
			if alias == "" || strings.ContainsAny(alias, "*?!") || seen[alias] {
				continue
			}
			seen[alias] = true
			aliases = append(aliases, alias)
		}
	}
	sort.Strings(aliases)

	entries := make([]br.HostEntry, len(aliases))
	for i, a := range aliases {
		entries[i] = d.Lookup(a)
	}
	return entries
}

// Lookup resolves alias with OpenSSH's first-match-wins semantics and fills
// in defaults for anything unset.
func (d *Directory) Lookup(alias string) br.HostEntry {
	e := br.HostEntry{
		Alias:    alias,
		HostName: d.get(alias, "HostName"),
		User:     d.get(alias, "User"),
		Port:     defaultSSHPort,
	}
	if e.HostName == "" {
		e.HostName = alias
	}
	if e.User == "" {
		e.User = d.defaultUser
	}
	if port, err := strconv.Atoi(d.get(alias, "Port")); err == nil && port > 0 {
		e.Port = port
	}
	e.HostKeyAlias = d.get(alias, "HostKeyAlias")

	files, _ := d.cfg.GetAll(alias, "IdentityFile")
	for _, f := range files {
		if f = strings.TrimSpace(f); f != "" {
			e.IdentityFiles = append(e.IdentityFiles, d.expand(f))
		}
	}
	return e
}

func (d *Directory) get(alias, key string) string {
	v, err := d.cfg.Get(alias, key)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

func (d *Directory) expand(p string) string {
	if d.home != "" && (p == "~" || strings.HasPrefix(p, "~/")) {
		return filepath.Join(d.home, strings.TrimPrefix(p, "~"))
	}
	return p
}
