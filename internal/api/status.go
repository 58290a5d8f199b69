package api

import "net/http"

// statusResponse is the JSON shape of a GET /api/status call: a snapshot
// of the store's on-disk footprint and sketch inventory.
type statusResponse struct {
	DBSizeBytes    int64              `json:"db_size_bytes"`
	PageCount      int64              `json:"page_count"`
	PageSize       int64              `json:"page_size"`
	FreelistCount  int64              `json:"freelist_count"`
	RawResultCount int64              `json:"raw_result_count"`
	RawResultBytes int64              `json:"raw_result_bytes"`
	TDigestStats   []tdigestStatEntry `json:"tdigest_stats"`
}

type tdigestStatEntry struct {
	TargetName    string `json:"target_name"`
	WindowSeconds int32  `json:"window_seconds"`
	TotalBytes    int64  `json:"total_bytes"`
	Count         int64  `json:"count"`
}

// rawResultByteEstimate is the assumed per-row byte footprint for the
// raw-results introspection figure, since raw_results rows aren't
// length-prefixed the way tdigest blobs are.
const rawResultByteEstimate = 50

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dbSize, err := srv.store.DBSizeBytes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	pageCount, err := srv.store.PageCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	pageSize, err := srv.store.PageSize()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	freelist, err := srv.store.FreelistCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	rawCount, err := srv.store.RawResultCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stats, err := srv.store.TDigestStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	entries := make([]tdigestStatEntry, len(stats))
	for i, s := range stats {
		entries[i] = tdigestStatEntry{
			TargetName:    s.TargetName,
			WindowSeconds: s.WindowSeconds,
			TotalBytes:    s.TotalBytes,
			Count:         s.Count,
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		DBSizeBytes:    dbSize,
		PageCount:      pageCount,
		PageSize:       pageSize,
		FreelistCount:  freelist,
		RawResultCount: rawCount,
		RawResultBytes: rawCount * rawResultByteEstimate,
		TDigestStats:   entries,
	})
}
