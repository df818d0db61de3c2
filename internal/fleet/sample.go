// Package fleet holds the sample fleet served to the dashboard before a
// prediction file has been uploaded.
package fleet

import "slices"

// RakeStatus is where a train currently is.
type RakeStatus string

const (
	RakeStabled     RakeStatus = "stabled"
	RakeInService   RakeStatus = "in_service"
	RakeMaintenance RakeStatus = "maintenance"
)

// ScoreComponents are the per-factor contributions shown next to a train.
type ScoreComponents struct {
	Readiness float64 `json:"readiness"`
	Branding  float64 `json:"branding"`
	Shunting  float64 `json:"shunting"`
}

// ManualOverride is an operator decision that replaces the computed one.
type ManualOverride struct {
	Decision string `json:"decision"` // Induct or Hold
	Reason   string `json:"reason"`
}

// Train is one row of the fleet table.
type Train struct {
	TrainID                      string          `json:"train_id"`
	RakeStatusCurrent            RakeStatus      `json:"rake_status_current"`
	ViolatesMandatoryFitness     bool            `json:"violates_mandatory_fitness"`
	CriticalJobCardFlag          bool            `json:"critical_job_card_flag"`
	CleaningRequired             bool            `json:"cleaning_required"`
	CleaningSlotBooked           bool            `json:"cleaning_slot_booked"`
	ReadinessProbability         float64         `json:"readiness_probability"`
	OdometerTotalKm              int64           `json:"odometer_total_km"`
	WearIndex                    float64         `json:"wear_index"`
	BrandingMinExposureHours     float64         `json:"branding_min_exposure_hours"`
	BrandingCurrentExposureHours float64         `json:"branding_current_exposure_hours"`
	ShuntingMovesNeeded          int             `json:"shunting_moves_needed"`
	ScoreComponents              ScoreComponents `json:"score_components"`
	ManualOverride               *ManualOverride `json:"manual_override,omitempty"`
}

var sample = []Train{
	{
		TrainID:                      "TS012",
		RakeStatusCurrent:            RakeStabled,
		CleaningSlotBooked:           true,
		ReadinessProbability:         98,
		OdometerTotalKm:              512345,
		WearIndex:                    0.42,
		BrandingMinExposureHours:     10.0,
		BrandingCurrentExposureHours: 6.5,
		ShuntingMovesNeeded:          3,
		ScoreComponents:              ScoreComponents{Readiness: 10.0, Branding: -2.0, Shunting: -1.2},
	},
	{
		TrainID:                      "TS015",
		RakeStatusCurrent:            RakeMaintenance,
		ViolatesMandatoryFitness:     true,
		CleaningRequired:             true,
		CleaningSlotBooked:           true,
		ReadinessProbability:         0,
		OdometerTotalKm:              489123,
		WearIndex:                    0.61,
		BrandingMinExposureHours:     10.0,
		BrandingCurrentExposureHours: 8.1,
		ShuntingMovesNeeded:          1,
		ScoreComponents:              ScoreComponents{Readiness: -50.0, Branding: -1.5, Shunting: -0.5},
	},
	{
		TrainID:              "TS018",
		RakeStatusCurrent:    RakeStabled,
		CriticalJobCardFlag:  true,
		ReadinessProbability: 25,
		OdometerTotalKm:      601458,
		WearIndex:            0.75,
		ShuntingMovesNeeded:  5,
		ScoreComponents:      ScoreComponents{Readiness: -45.0, Shunting: -2.5},
	},
	{
		TrainID:              "TS021",
		RakeStatusCurrent:    RakeStabled,
		CleaningRequired:     true,
		ReadinessProbability: 60,
		OdometerTotalKm:      395000,
		WearIndex:            0.33,
		ShuntingMovesNeeded:  2,
		ScoreComponents:      ScoreComponents{Readiness: -5.0, Shunting: -1.0},
	},
}

// Sample returns a copy of the sample fleet. Callers may modify it.
func Sample() []Train {
	out := slices.Clone(sample)
	for i := range out {
		if out[i].ManualOverride != nil {
			o := *out[i].ManualOverride
			out[i].ManualOverride = &o
		}
	}
	return out
}
