package api

import (
	"net/http"
	"sort"
)

// healthResp is the /healthz body.
type healthResp struct {
	Status      string `json:"status"`
	ToolsCached int    `json:"tools_cached"`
}

func (d *Dependencies) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResp{
		Status:      "ok",
		ToolsCached: d.Registry.Snapshot().Len(),
	})
}

// toolResp is one entry of the /api/tools listing.
type toolResp struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	Denied      bool   `json:"denied,omitempty"`
}

// handleTools exports the current tool→category mapping so operators can see
// what the gate will do before an agent trips over it.
func (d *Dependencies) handleTools(w http.ResponseWriter, r *http.Request) {
	snap := d.Registry.Snapshot()
	entries := snap.Tools()
	out := make([]toolResp, 0, len(entries))
	for _, e := range entries {
		out = append(out, toolResp{
			Name:        e.Name,
			Description: e.Description,
			Category:    string(e.Category),
			Denied:      e.Denied,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools":      out,
		"fetched_at": snap.FetchedAt,
	})
}

// handleSessions reports live session state for the control surface.
func (d *Dependencies) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos := d.Sessions.Snapshot()
	sort.Slice(infos, func(i, j int) bool { return infos[i].OpenedAt.Before(infos[j].OpenedAt) })
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": infos,
		"count":    len(infos),
	})
}
