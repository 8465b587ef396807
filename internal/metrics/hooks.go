package metrics

import (
	"strconv"

	"github.com/rs/zerolog"

	"github.com/Matthew-IE/Hana-Project/internal/hub"
	"github.com/Matthew-IE/Hana-Project/internal/sidecar"
	"github.com/Matthew-IE/Hana-Project/internal/ttscache"
)

// HubHooks records broadcast traffic and the client gauge.
func HubHooks() hub.Hooks {
	return hub.Hooks{
		Broadcast: func(typ string, immediate bool) {
			class := "coalesced"
			if immediate {
				class = "immediate"
			}
			Broadcasts.WithLabelValues(typ, class).Inc()
		},
		Coalesced: func(typ string) { Coalesced.WithLabelValues(typ).Inc() },
		Clients:   func(n int) { Clients.Set(float64(n)) },
	}
}

// SidecarHooks records process lifecycle and output noise.
func SidecarHooks() sidecar.Hooks {
	return sidecar.Hooks{
		Started: func(name string, restart bool) {
			SidecarStarts.WithLabelValues(name, strconv.FormatBool(restart)).Inc()
		},
		Exited: func(name string, err error) {
			SidecarExits.WithLabelValues(name, strconv.FormatBool(err == nil)).Inc()
		},
		Noise: func(name string, level zerolog.Level) {
			NoiseLines.WithLabelValues(name, level.String()).Inc()
		},
	}
}

// JobHooks records the TTS job lifecycle.
func JobHooks() ttscache.Hooks {
	return ttscache.Hooks{
		Enqueued: func() { TTSJobs.WithLabelValues("enqueued").Inc() },
		Consumed: func() { TTSJobs.WithLabelValues("consumed").Inc() },
		Missed:   func() { TTSJobs.WithLabelValues("missed").Inc() },
		Expired:  func(n int) { TTSJobs.WithLabelValues("expired").Add(float64(n)) },
	}
}
