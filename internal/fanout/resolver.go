package fanout

import (
	"fmt"
	"sort"

	"github.com/iwismer/rusty-timer-sub001/internal/protocol"
	"github.com/iwismer/rusty-timer-sub001/internal/store"
)

// Resolve turns a selection into a concrete target set against the current
// registry and race mappings. A target with Epoch 0 covers every epoch of
// its stream. Unknown streams and mapping disagreements produce warnings,
// not errors; only a malformed selection or an unknown race fails.
func Resolve(st *store.Store, sel protocol.Selection) ([]protocol.Target, []string, error) {
	switch sel.Mode {
	case protocol.SelectionManual:
		return resolveManual(st, sel)
	case protocol.SelectionRace:
		return resolveRace(st, sel)
	default:
		return nil, nil, fmt.Errorf("fanout: unknown selection mode %q", sel.Mode)
	}
}

func resolveManual(st *store.Store, sel protocol.Selection) ([]protocol.Target, []string, error) {
	var targets []protocol.Target
	var warnings []string
	for _, ref := range sel.Streams {
		info, err := st.GetStreamByKey(ref.ForwarderID, ref.ReaderKey)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("unknown stream %s/%s", ref.ForwarderID, ref.ReaderKey))
			continue
		}
		targets = append(targets, protocol.Target{
			StreamRef: protocol.StreamRef{ForwarderID: info.ForwarderID, ReaderKey: info.ReaderKey},
			StreamID:  info.StreamID,
		})
	}
	return dedupeTargets(targets), warnings, nil
}

func resolveRace(st *store.Store, sel protocol.Selection) ([]protocol.Target, []string, error) {
	if sel.RaceID == "" {
		return nil, nil, fmt.Errorf("fanout: race selection without race_id")
	}
	scope := sel.EpochScope
	if scope == "" {
		scope = protocol.EpochScopeAll
	}
	if scope != protocol.EpochScopeAll && scope != protocol.EpochScopeCurrent {
		return nil, nil, fmt.Errorf("fanout: unknown epoch scope %q", scope)
	}
	ok, err := st.RaceExists(sel.RaceID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("fanout: unknown race %s", sel.RaceID)
	}

	forwarderRaces, err := st.ListForwarderRaces()
	if err != nil {
		return nil, nil, err
	}

	var targets []protocol.Target
	var warnings []string

	// Coarse mapping: every stream of a mapped forwarder.
	for fid, rid := range forwarderRaces {
		if rid != sel.RaceID {
			continue
		}
		streams, err := st.StreamsByForwarder(fid)
		if err != nil {
			return nil, nil, err
		}
		for _, info := range streams {
			t := protocol.Target{
				StreamRef: protocol.StreamRef{ForwarderID: info.ForwarderID, ReaderKey: info.ReaderKey},
				StreamID:  info.StreamID,
			}
			if scope == protocol.EpochScopeCurrent {
				t.Epoch = info.Epoch
			}
			targets = append(targets, t)

			// Epochs rebound to another race contradict the coarse mapping.
			mapped, err := st.MappedEpochs(info.StreamID)
			if err != nil {
				return nil, nil, err
			}
			for epoch, otherRace := range mapped {
				if otherRace != sel.RaceID {
					warnings = append(warnings, fmt.Sprintf(
						"stream %s epoch %d is mapped to race %s but forwarder %s is mapped to race %s",
						info.StreamID, epoch, otherRace, fid, sel.RaceID))
				}
			}
		}
	}

	// Fine mapping: explicit (stream, epoch) rows for this race.
	rows, err := st.StreamEpochRacesByRace(sel.RaceID)
	if err != nil {
		return nil, nil, err
	}
	for _, row := range rows {
		info, err := st.GetStream(row.StreamID)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("mapped stream %s no longer exists", row.StreamID))
			continue
		}
		if coarse, ok := forwarderRaces[info.ForwarderID]; ok && coarse != sel.RaceID {
			warnings = append(warnings, fmt.Sprintf(
				"stream %s epoch %d is mapped to race %s but forwarder %s is mapped to race %s",
				info.StreamID, row.Epoch, sel.RaceID, info.ForwarderID, coarse))
		}
		if scope == protocol.EpochScopeCurrent && row.Epoch != info.Epoch {
			continue
		}
		targets = append(targets, protocol.Target{
			StreamRef: protocol.StreamRef{ForwarderID: info.ForwarderID, ReaderKey: info.ReaderKey},
			StreamID:  info.StreamID,
			Epoch:     row.Epoch,
		})
	}

	return dedupeTargets(targets), dedupeStrings(warnings), nil
}

// dedupeTargets collapses duplicates and drops epoch-specific targets that
// an all-epoch target for the same stream already covers.
func dedupeTargets(targets []protocol.Target) []protocol.Target {
	covered := map[string]bool{}
	for _, t := range targets {
		if t.Epoch == 0 {
			covered[t.StreamID] = true
		}
	}
	seen := map[string]map[uint64]bool{}
	var out []protocol.Target
	for _, t := range targets {
		if t.Epoch != 0 && covered[t.StreamID] {
			continue
		}
		if seen[t.StreamID] == nil {
			seen[t.StreamID] = map[uint64]bool{}
		}
		if seen[t.StreamID][t.Epoch] {
			continue
		}
		seen[t.StreamID][t.Epoch] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StreamID != out[j].StreamID {
			return out[i].StreamID < out[j].StreamID
		}
		return out[i].Epoch < out[j].Epoch
	})
	return out
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
