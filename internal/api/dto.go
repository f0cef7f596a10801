package api

import (
	"math"

	"github.com/banshee-data/calibrix/internal/accuracy"
	"github.com/banshee-data/calibrix/internal/acquire"
	"github.com/banshee-data/calibrix/internal/measure"
	"github.com/banshee-data/calibrix/internal/plan"
	"github.com/banshee-data/calibrix/internal/session"
)

// The store and the calculator use NaN for undefined values, which
// encoding/json rejects. Responses go through these types, where undefined
// values become null.

func optFloat(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

type MeasurementAPI struct {
	RepeatIndex int      `json:"repeat_index"`
	Raw         *float64 `json:"raw"`
	Distance    *float64 `json:"distance"`
	Expected    *float64 `json:"expected"`
	Deviation   *float64 `json:"deviation"`
}

type SeriesAPI struct {
	StepNumber   int              `json:"step_number"`
	Address      int              `json:"address"`
	Expected     *float64         `json:"expected"`
	Direction    string           `json:"direction"`
	Measurements []MeasurementAPI `json:"measurements"`
}

type GroupAPI struct {
	ID          int         `json:"group_id"`
	Mode        string      `json:"mode"`
	Type        string      `json:"type"`
	SelectedFor bool        `json:"selected_for"`
	Series      []SeriesAPI `json:"series"`
}

// GroupsToAPI converts store groups for a response.
func GroupsToAPI(groups []measure.Group) []GroupAPI {
	out := make([]GroupAPI, 0, len(groups))
	for _, g := range groups {
		ga := GroupAPI{
			ID:          g.ID,
			Mode:        g.Mode.String(),
			Type:        g.Type.String(),
			SelectedFor: g.SelectedFor,
			Series:      make([]SeriesAPI, 0, len(g.Series)),
		}
		for _, s := range g.Series {
			sa := SeriesAPI{
				StepNumber:   s.StepNumber,
				Address:      s.Address,
				Expected:     optFloat(s.Expected),
				Direction:    s.Direction.String(),
				Measurements: make([]MeasurementAPI, 0, len(s.Measurements)),
			}
			for _, m := range s.Measurements {
				sa.Measurements = append(sa.Measurements, MeasurementAPI{
					RepeatIndex: m.RepeatIndex,
					Raw:         optFloat(m.Raw),
					Distance:    optFloat(m.Distance),
					Expected:    optFloat(m.Expected),
					Deviation:   optFloat(m.Deviation),
				})
			}
			ga.Series = append(ga.Series, sa)
		}
		out = append(out, ga)
	}
	return out
}

// AccuracyAPI is one report row. Aggregate rows carry step_number -1 and
// leave the per-step fields null.
type AccuracyAPI struct {
	GroupID    int  `json:"group_id"`
	StepNumber int  `json:"step_number"`
	Aggregate  bool `json:"aggregate"`

	ExpectedPosition *float64 `json:"expected_position"`

	MeanForward       *float64 `json:"mean_forward,omitempty"`
	MeanBackward      *float64 `json:"mean_backward,omitempty"`
	MeanBidirectional *float64 `json:"mean_bidirectional,omitempty"`
	Correction        *float64 `json:"correction,omitempty"`
	ReversalError     *float64 `json:"reversal_error,omitempty"`

	StddevForward         *float64 `json:"stddev_forward,omitempty"`
	StddevBackward        *float64 `json:"stddev_backward,omitempty"`
	RepeatabilityForward  *float64 `json:"repeatability_forward,omitempty"`
	RepeatabilityBackward *float64 `json:"repeatability_backward,omitempty"`

	RepeatabilityBidirectional *float64 `json:"repeatability_bidirectional"`

	SystematicError     *float64 `json:"systematic_error,omitempty"`
	MeanRange           *float64 `json:"mean_range,omitempty"`
	PositioningAccuracy *float64 `json:"positioning_accuracy,omitempty"`
}

// AccuracyToAPI converts calculator rows for a response.
func AccuracyToAPI(rows []accuracy.Result) []AccuracyAPI {
	out := make([]AccuracyAPI, 0, len(rows))
	for _, r := range rows {
		a := AccuracyAPI{
			GroupID:                    r.GroupID,
			StepNumber:                 r.StepNumber,
			Aggregate:                  r.IsAggregate(),
			ExpectedPosition:           optFloat(r.ExpectedPosition),
			RepeatabilityBidirectional: optFloat(r.RepeatabilityBidirectional),
		}
		if a.Aggregate {
			a.SystematicError = optFloat(r.SystematicError)
			a.MeanRange = optFloat(r.MeanRange)
			a.PositioningAccuracy = optFloat(r.PositioningAccuracy)
		} else {
			a.MeanForward = optFloat(r.MeanForward)
			a.MeanBackward = optFloat(r.MeanBackward)
			a.MeanBidirectional = optFloat(r.MeanBidirectional)
			a.Correction = optFloat(-r.MeanBidirectional)
			a.ReversalError = optFloat(r.ReversalError)
			a.StddevForward = optFloat(r.StddevForward)
			a.StddevBackward = optFloat(r.StddevBackward)
			a.RepeatabilityForward = optFloat(r.RepeatabilityForward)
			a.RepeatabilityBackward = optFloat(r.RepeatabilityBackward)
		}
		out = append(out, a)
	}
	return out
}

type ZoneAPI struct {
	StepNumber   int      `json:"step_number"`
	Expected     *float64 `json:"expected"`
	Direction    string   `json:"direction"`
	RepeatsTotal int      `json:"repeats_total"`
}

func zoneToAPI(z acquire.SaveZone) ZoneAPI {
	return ZoneAPI{
		StepNumber:   z.StepNumber,
		Expected:     optFloat(z.Expected),
		Direction:    z.Direction.String(),
		RepeatsTotal: z.RepeatsTotal,
	}
}

type StatusAPI struct {
	State       string   `json:"state"`
	Zone        *ZoneAPI `json:"zone,omitempty"`
	ZoneIndex   int      `json:"zone_index"`
	Zones       int      `json:"zones"`
	DoneInZone  int      `json:"done_in_zone"`
	StableTicks int      `json:"stable_ticks"`
	Committing  bool     `json:"committing"`
	Filter      string   `json:"filter"`
	Groups      int      `json:"groups"`
	LastSample  *float64 `json:"last_sample"`
	Samples     uint64   `json:"samples"`
}

// StatusToAPI flattens a session status for a response.
func StatusToAPI(st session.Status) StatusAPI {
	out := StatusAPI{
		State:       st.Acquire.State,
		ZoneIndex:   st.Acquire.Index,
		Zones:       st.Acquire.Zones,
		DoneInZone:  st.Acquire.Done,
		StableTicks: st.Acquire.Stable,
		Committing:  st.Committing,
		Filter:      st.Filter,
		Groups:      st.Groups,
		Samples:     st.Samples,
	}
	if st.Samples > 0 {
		out.LastSample = optFloat(st.LastSample)
	}
	if st.Acquire.Zone != nil {
		z := zoneToAPI(*st.Acquire.Zone)
		out.Zone = &z
	}
	return out
}

// PlanAPI is the zone list returned when automatic acquisition starts.
type PlanAPI struct {
	Zones []ZoneAPI `json:"zones"`
}

func planToAPI(p acquire.Plan) PlanAPI {
	out := PlanAPI{Zones: make([]ZoneAPI, 0, len(p.Zones))}
	for _, z := range p.Zones {
		out.Zones = append(out.Zones, zoneToAPI(z))
	}
	return out
}

// SettingsAPI is the editable session configuration. Requests may send any
// subset of fields; omitted ones keep their current value.
type SettingsAPI struct {
	Mode            string                   `json:"mode"`
	Base            float64                  `json:"base"`
	Step            float64                  `json:"step"`
	Count           int                      `json:"count"`
	ManualPositions string                   `json:"manual_positions"`
	Formula         string                   `json:"formula"`
	FormulaCount    int                      `json:"formula_count"`
	RepeatCount     int                      `json:"repeat_count"`
	Bidirectional   bool                     `json:"bidirectional"`
	AutoSave        acquire.AutoSaveSettings `json:"auto_save"`
	Filter          string                   `json:"filter"`
}

func settingsToAPI(step plan.StepSettings, auto acquire.AutoSaveSettings, filter string) SettingsAPI {
	return SettingsAPI{
		Mode:            step.Mode.String(),
		Base:            step.Base,
		Step:            step.Step,
		Count:           step.Count,
		ManualPositions: step.ManualText,
		Formula:         step.Formula,
		FormulaCount:    step.FormulaCount,
		RepeatCount:     step.RepeatCount,
		Bidirectional:   step.Bidirectional,
		AutoSave:        auto,
		Filter:          filter,
	}
}

func (s SettingsAPI) stepSettings() (plan.StepSettings, error) {
	mode, err := plan.ParseStepMode(s.Mode)
	if err != nil {
		return plan.StepSettings{}, err
	}
	return plan.StepSettings{
		Mode:          mode,
		Base:          s.Base,
		Step:          s.Step,
		Count:         s.Count,
		ManualText:    s.ManualPositions,
		Formula:       s.Formula,
		FormulaCount:  s.FormulaCount,
		RepeatCount:   s.RepeatCount,
		Bidirectional: s.Bidirectional,
	}, nil
}
