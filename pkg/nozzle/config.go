// Live nozzle swap for Klipper extruders
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package nozzle recomputes extruder limits when a nozzle is swapped,
// persists the fitted nozzle and reports it in extruder status.
package nozzle

import (
	"fmt"
	"math"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/errors"
	"klipper-go-nozzle/pkg/extruder"
)

// NozzleConfig is the static nozzle configuration of one extruder section.
// Optional overrides are nil when not configured.
type NozzleConfig struct {
	Name                   string
	NozzleDiameter         float64
	FilamentDiameter       float64
	MaxExtrudeCrossSection *float64
	MaxExtrudeOnlyVelocity *float64
	MaxExtrudeOnlyAccel    *float64
}

// LoadNozzleConfig reads and validates the nozzle options of an extruder
// section. filament_diameter must be strictly larger than nozzle_diameter.
func LoadNozzleConfig(sec *config.Section) (NozzleConfig, error) {
	above := config.FloatBounds{Above: config.Bound(0)}
	cfg := NozzleConfig{Name: sec.GetName()}

	var err error
	if cfg.NozzleDiameter, err = sec.GetFloatWithBounds("nozzle_diameter", above); err != nil {
		return cfg, err
	}
	cfg.FilamentDiameter, err = sec.GetFloatWithBounds("filament_diameter",
		config.FloatBounds{Above: config.Bound(cfg.NozzleDiameter)})
	if err != nil {
		return cfg, err
	}
	if cfg.MaxExtrudeCrossSection, err = sec.GetFloatOptional("max_extrude_cross_section", above); err != nil {
		return cfg, err
	}
	if cfg.MaxExtrudeOnlyVelocity, err = sec.GetFloatOptional("max_extrude_only_velocity", above); err != nil {
		return cfg, err
	}
	if cfg.MaxExtrudeOnlyAccel, err = sec.GetFloatOptional("max_extrude_only_accel", above); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FilamentArea returns the cross-section area of filament of diameter d.
func FilamentArea(d float64) float64 {
	return math.Pi * (d * .5) * (d * .5)
}

// Limits resolves the extruder limits for a nozzle. nozzleDiameter and
// maxCrossSection fall back to the configured values when nil. Extrude-only
// limits not configured are scaled from the toolhead limits by the default
// extrude ratio of the nozzle.
func (c NozzleConfig) Limits(nozzleDiameter, maxCrossSection *float64, maxVelocity, maxAccel float64) (extruder.Limits, error) {
	d := c.NozzleDiameter
	if nozzleDiameter != nil {
		d = *nozzleDiameter
	}
	if !(d > 0) || math.IsInf(d, 0) {
		return extruder.Limits{}, errors.ConfigValidationError(c.Name, "nozzle_diameter",
			fmt.Sprintf("value %v must be above 0", d))
	}
	if !(c.FilamentDiameter > d) || math.IsInf(c.FilamentDiameter, 0) {
		return extruder.Limits{}, errors.ConfigValidationError(c.Name, "filament_diameter",
			fmt.Sprintf("value %v must be above nozzle_diameter %v", c.FilamentDiameter, d))
	}

	area := FilamentArea(c.FilamentDiameter)
	defCrossSection := 4. * d * d
	defRatio := defCrossSection / area

	cross := defCrossSection
	if c.MaxExtrudeCrossSection != nil {
		cross = *c.MaxExtrudeCrossSection
	}
	if maxCrossSection != nil {
		cross = *maxCrossSection
	}
	if !(cross > 0) || math.IsInf(cross, 0) {
		return extruder.Limits{}, errors.ConfigValidationError(c.Name, "max_extrude_cross_section",
			fmt.Sprintf("value %v must be above 0", cross))
	}

	velocity := maxVelocity * defRatio
	if c.MaxExtrudeOnlyVelocity != nil {
		velocity = *c.MaxExtrudeOnlyVelocity
	}
	accel := maxAccel * defRatio
	if c.MaxExtrudeOnlyAccel != nil {
		accel = *c.MaxExtrudeOnlyAccel
	}

	return extruder.Limits{
		NozzleDiameter:         d,
		FilamentArea:           area,
		MaxExtrudeRatio:        cross / area,
		MaxExtrudeOnlyVelocity: velocity,
		MaxExtrudeOnlyAccel:    accel,
	}, nil
}
