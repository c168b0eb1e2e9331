// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embeddings

// Axis identifies one independent semantic projection of a text. The same
// embedding model serves all four; each axis gets its own instruction
// prefix so the vectors land in distinct regions of the space.
type Axis string

const (
	AxisTopical   Axis = "topical"
	AxisAffective Axis = "affective"
	AxisStrategic Axis = "strategic"
	AxisTemporal  Axis = "temporal"
)

// AllAxes returns the four axes in canonical order
func AllAxes() []Axis {
	return []Axis{AxisTopical, AxisAffective, AxisStrategic, AxisTemporal}
}

// axisPrefixes parameterize the shared embedding model per axis. The
// topical axis embeds the text as-is.
var axisPrefixes = map[Axis]string{
	AxisTopical:   "",
	AxisAffective: "Emotional tone and interpersonal dynamics: ",
	AxisStrategic: "Goals, decisions, and strategic implications: ",
	AxisTemporal:  "Change or evolution in thinking: ",
}

// PromptFor returns the axis-specific embedding input for a text
func PromptFor(axis Axis, text string) string {
	return axisPrefixes[axis] + text
}

// Valid reports whether the axis is one of the four known axes
func (a Axis) Valid() bool {
	_, ok := axisPrefixes[a]
	return ok
}
