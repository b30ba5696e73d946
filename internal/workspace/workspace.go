package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/toolgate/internal/backend"
)

// ProvisioningError reports that the backend could not resolve or create a
// workspace for an external key. Invocations fail closed on it.
type ProvisioningError struct {
	ExternalKey string
	Err         error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("workspace provisioning failed for %q: %v", e.ExternalKey, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Resolver maps external workspace keys to workspace IDs. Successful
// resolutions are cached for the life of the process; concurrent resolutions
// of the same key collapse into one backend call.
type Resolver struct {
	backend *backend.Client

	mu    sync.RWMutex
	cache map[string]string // external key -> workspace ID

	group singleflight.Group
}

func NewResolver(client *backend.Client) *Resolver {
	return &Resolver{
		backend: client,
		cache:   make(map[string]string),
	}
}

// Resolve returns the workspace ID for an external key, provisioning the
// workspace on first use. Failures are never cached.
func (r *Resolver) Resolve(ctx context.Context, externalKey string) (string, error) {
	if externalKey == "" {
		return "", &ProvisioningError{ExternalKey: externalKey, Err: errors.New("external key is empty")}
	}

	r.mu.RLock()
	id, ok := r.cache[externalKey]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := r.group.Do(externalKey, func() (any, error) {
		ws, err := r.backend.ResolveWorkspace(ctx, externalKey)
		if err != nil {
			return nil, &ProvisioningError{ExternalKey: externalKey, Err: err}
		}
		r.mu.Lock()
		r.cache[externalKey] = ws.WorkspaceID
		r.mu.Unlock()
		return ws.WorkspaceID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops a cached resolution, forcing the next Resolve to hit the
// backend again.
func (r *Resolver) Invalidate(externalKey string) {
	r.mu.Lock()
	delete(r.cache, externalKey)
	r.mu.Unlock()
}
