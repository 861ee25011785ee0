package toolrt

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/fluxchat/flux/chat"
)

// Grants tracks permission grants per (server, permission type). Session
// grants live in memory; remembered grants persist to a JSON file under
// the data directory.
type Grants struct {
	mu         sync.Mutex
	path       string
	session    map[string]bool
	remembered map[string]bool
}

type grantsFile struct {
	Grants map[string]bool `json:"grants"`
}

func grantKey(serverName string, permission chat.PermissionType) string {
	return serverName + ":" + string(permission)
}

// LoadGrants reads the grants file, starting empty when it is missing.
func LoadGrants(path string) (*Grants, error) {
	g := &Grants{
		path:       path,
		session:    map[string]bool{},
		remembered: map[string]bool{},
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, errors.Wrapf(err, "failed to read grants file %s", path)
	}
	var file grantsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to parse grants file %s", path)
	}
	if file.Grants != nil {
		g.remembered = file.Grants
	}
	return g, nil
}

// Has reports whether the grant is active, session or remembered.
func (g *Grants) Has(serverName string, permission chat.PermissionType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := grantKey(serverName, permission)
	return g.session[key] || g.remembered[key]
}

// Grant activates the permission. With remember, the grant is written
// through to the file.
func (g *Grants) Grant(serverName string, permission chat.PermissionType, remember bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := grantKey(serverName, permission)
	g.session[key] = true
	if !remember {
		return nil
	}
	g.remembered[key] = true
	raw, err := json.MarshalIndent(grantsFile{Grants: g.remembered}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal grants")
	}
	if err := os.WriteFile(g.path, raw, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write grants file %s", g.path)
	}
	return nil
}
