package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/runZeroInc/vaportrail/pkg/model"
	"github.com/runZeroInc/vaportrail/pkg/tdigest"
)

// curvePoints is how many evenly spaced quantiles the sampled curve in a
// results response carries, 0.00 through 1.00 inclusive.
const curvePoints = 101

// targetPointCount is the rough number of points a results query aims for
// when picking a window size: the largest policy window that still
// produces at least this many points over the requested range.
const targetPointCount = 200

// resultsResponse is the JSON shape of a GET /api/results call.
type resultsResponse struct {
	TargetID      int64                `json:"target_id"`
	WindowSeconds int32                `json:"window_seconds"`
	Start         time.Time            `json:"start"`
	End           time.Time            `json:"end"`
	Percentiles   percentiles          `json:"percentiles"`
	Curve         [curvePoints]float64 `json:"curve"`
	Raw           []model.RawResult    `json:"raw,omitempty"`
}

type percentiles struct {
	P0   float64 `json:"p0"`
	P1   float64 `json:"p1"`
	P25  float64 `json:"p25"`
	P50  float64 `json:"p50"`
	P75  float64 `json:"p75"`
	P99  float64 `json:"p99"`
	P100 float64 `json:"p100"`
}

// scrub replaces NaN/Inf with 0.0 before JSON serialization - encoding/json
// cannot represent either and would otherwise fail the whole response.
func scrub(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0.0
	}
	return v
}

// selectWindow picks the rollup window a results query should read from:
// the largest non-zero policy window at or below duration/targetPointCount,
// or the smallest non-zero window if none qualify. A target with no
// non-zero windows at all (raw retention only) falls back to window 0.
func selectWindow(policies []model.RetentionPolicy, duration time.Duration) int32 {
	var windows []int32
	for _, p := range policies {
		if p.WindowSeconds > 0 {
			windows = append(windows, p.WindowSeconds)
		}
	}
	if len(windows) == 0 {
		return 0
	}

	threshold := duration.Seconds() / float64(targetPointCount)

	best := windows[0]
	haveBest := false
	smallest := windows[0]
	for _, w := range windows {
		if w < smallest {
			smallest = w
		}
		if float64(w) <= threshold && (!haveBest || w > best) {
			best = w
			haveBest = true
		}
	}
	if haveBest {
		return best
	}
	return smallest
}

func (srv *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	targetID, err := strconv.ParseInt(q.Get("target_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("api: invalid target_id: %w", err))
		return
	}
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("api: invalid start: %w", err))
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("api: invalid end: %w", err))
		return
	}
	includeRaw := q.Get("include_raw") == "true"

	target, err := srv.store.GetTarget(targetID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	windowSeconds := selectWindow(target.RetentionPolicies, end.Sub(start))

	resp := resultsResponse{
		TargetID:      targetID,
		WindowSeconds: windowSeconds,
		Start:         start,
		End:           end,
	}

	td := tdigest.New()
	if windowSeconds == 0 {
		raws, err := srv.store.GetRawResults(targetID, start, end, 1_000_000)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, raw := range raws {
			if !raw.IsTimeout() {
				td.Add(raw.LatencyNS)
			}
		}
		if includeRaw {
			resp.Raw = raws
		}
	} else {
		aggs, err := srv.store.GetAggregatedResults(targetID, windowSeconds, start, end)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, agg := range aggs {
			if len(agg.TDigestData) == 0 {
				continue
			}
			sub, err := tdigest.Decode(agg.TDigestData)
			if err != nil {
				continue
			}
			td.Merge(sub)
		}
		if includeRaw {
			raws, err := srv.store.GetRawResults(targetID, start, end, 1_000_000)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			resp.Raw = raws
		}
	}

	resp.Percentiles = percentiles{
		P0:   scrub(td.Quantile(0.00)),
		P1:   scrub(td.Quantile(0.01)),
		P25:  scrub(td.Quantile(0.25)),
		P50:  scrub(td.Quantile(0.50)),
		P75:  scrub(td.Quantile(0.75)),
		P99:  scrub(td.Quantile(0.99)),
		P100: scrub(td.Quantile(1.00)),
	}
	for i := 0; i < curvePoints; i++ {
		resp.Curve[i] = scrub(td.Quantile(float64(i) / float64(curvePoints-1)))
	}

	writeJSON(w, http.StatusOK, resp)
}
