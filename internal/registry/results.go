package registry

import (
	"sort"

	"github.com/remimikalsen/local-image-description-ha/internal/domain"
)

// StoreResult records res as the latest result for its image name. The last
// writer wins.
func (r *Registry) StoreResult(res domain.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.ImageName] = res
}

func (r *Registry) Result(imageName string) (domain.Result, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[imageName]
	return res, ok
}

// Results returns the cached results sorted by image name.
func (r *Registry) Results() []domain.Result {
	r.mu.RLock()
	out := make([]domain.Result, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, res)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ImageName < out[j].ImageName })
	return out
}

// ResultCount counts cached results produced by instanceID.
func (r *Registry) ResultCount(instanceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, res := range r.results {
		if res.InstanceID == instanceID {
			n++
		}
	}
	return n
}
