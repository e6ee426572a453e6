package engine

// uptimeWindow is the number of recent sample outcomes tracked for the
// uptime ratio.
const uptimeWindow = 20

// health holds one source's recent availability. It is owned by a single
// Monitor and kept in memory only: a restart starts a fresh uptime window.
// The streak here is the fallback when the stored count cannot be read.
type health struct {
	history []bool // newest last
	streak  int    // consecutive unavailable samples
}

func (h *health) record(up bool) {
	if len(h.history) >= uptimeWindow {
		h.history = h.history[1:]
	}
	h.history = append(h.history, up)
	if up {
		h.streak = 0
	} else {
		h.streak++
	}
}

// uptimeRatio returns the fraction of tracked samples that reached the
// source, in [0, 1]. Before the first sample the source is assumed up.
func (h *health) uptimeRatio() float64 {
	if len(h.history) == 0 {
		return 1
	}
	var up int
	for _, ok := range h.history {
		if ok {
			up++
		}
	}
	return float64(up) / float64(len(h.history))
}
