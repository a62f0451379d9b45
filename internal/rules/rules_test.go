package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tdvc/internal/state"
)

func TestPropertyEngine_ValueLines(t *testing.T) {
	tests := []struct {
		line  string
		key   string
		value string
	}{
		{"tx 0 5", "tx", "5"},
		{"scale 0 1.25", "scale", "1.25"},
		{"rz 0 -90", "rz", "-90"},
		{"file 0 movie_file.mov", "file", "movie_file.mov"},
		{"resolutionw 16 1920", "resolutionw", "1920"},
		{"par1\t0\tvalue_1", "par1", "value_1"},
		{`expr 0 abc "me.time.frame"`, "expr", "abc"},
		{`label 0 "Main output"`, "label", "Main output"},
	}

	engine := DefaultPropertyEngine()
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			props := state.Properties{}
			engine.ExtractLine(tt.line, props)
			assert.Equal(t, state.Properties{tt.key: tt.value}, props)
		})
	}
}

func TestPropertyEngine_Tile(t *testing.T) {
	engine := DefaultPropertyEngine()

	props := state.Properties{}
	assert.Equal(t, "tile", engine.ExtractLine("tile 100 -200 130 90", props))
	assert.Equal(t, state.Properties{"tileX": "100", "tileY": "-200", "sizeX": "130", "sizeY": "90"}, props)

	for _, line := range []string{"tile 1 2 3", "tile 1 2 3 4 5", "tile"} {
		props := state.Properties{}
		assert.Equal(t, "tile", engine.ExtractLine(line, props), line)
		assert.Empty(t, props, line)
	}
}

func TestPropertyEngine_IgnoredLines(t *testing.T) {
	engine := DefaultPropertyEngine()
	lines := []string{
		"flags =  viewer off parlanguage 0",
		"view 0 0 1",
		"pageindex 0 3",
		"?",
		"{",
		"}",
		"end",
		"inputs",
		"0 \tgeo1/out1",
		"",
	}
	for _, line := range lines {
		props := state.Properties{}
		assert.Equal(t, "ignore", engine.ExtractLine(line, props), line)
		assert.Empty(t, props, line)
	}
}

func TestPropertyEngine_ColorAndUnmatched(t *testing.T) {
	engine := DefaultPropertyEngine()

	props := state.Properties{}
	engine.ExtractLine("color 0.55 0.55 0.55", props)
	assert.Equal(t, "0.55 0.55 0.55", props["color"])

	props = state.Properties{}
	assert.Equal(t, "", engine.ExtractLine("COMP:geometry", props))
	assert.Empty(t, props)
}

func TestDefaultPropertyRules_Order(t *testing.T) {
	var names []string
	for _, r := range DefaultPropertyRules() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"ignore", "tile", "value", "quoted", "color"}, names)

	engine := DefaultPropertyEngine()
	assert.Equal(t, "color", engine.ExtractLine("color 1 0 0", state.Properties{}))
	assert.Equal(t, "color", engine.ExtractLine("color 0.5 0.5 0.5", state.Properties{}))
}

func TestPropertyEngine_Extract(t *testing.T) {
	content := "COMP:geometry\ntile 10 20 130 90\nflags = viewer on\ncolor 1 0 0\n"
	props := state.Properties{}
	DefaultPropertyEngine().Extract(content, props)

	assert.Equal(t, state.Properties{
		"tileX": "10", "tileY": "20", "sizeX": "130", "sizeY": "90",
		"color": "1 0 0",
	}, props)
}

func TestInputEngine_Inputs(t *testing.T) {
	engine := DefaultInputEngine()

	edges := engine.Extract(KindPrimary, "inputs { 0 geo1/out1 }")
	assert.Equal(t, []state.Edge{{Destination: "geo1"}}, edges)

	multi := "TOP:level\ninputs\n{\n0 \tnoise1\n1 \tramp1\n}\n"
	assert.Equal(t, []state.Edge{{Destination: "noise1"}, {Destination: "ramp1"}}, engine.Extract(KindPrimary, multi))
}

func TestInputEngine_CompInputs(t *testing.T) {
	engine := DefaultInputEngine()

	skipped := "compinputs\n{\nnull5\n}\n"
	assert.Empty(t, engine.Extract(KindPrimary, skipped))

	kept := "compinputs\n{\n0 \tnull5\n}\n"
	assert.Equal(t, []state.Edge{{Destination: "null5"}}, engine.Extract(KindPrimary, kept))
}

func TestInputEngine_InputsAndCompInputsConcatenate(t *testing.T) {
	content := "inputs\n{\n0 a\n}\ncompinputs\n{\n0 b\n}\n"
	edges := DefaultInputEngine().Extract(KindPrimary, content)
	assert.Equal(t, []state.Edge{{Destination: "a"}, {Destination: "b"}}, edges)
}

func TestInputEngine_ParameterEdges(t *testing.T) {
	engine := DefaultInputEngine()

	edges := engine.Extract(KindParameter, `material 67108864 "light1, environment1"`)
	assert.Equal(t, []state.Edge{
		{Destination: "light1", IsParameterEdge: true},
		{Destination: "environment1", IsParameterEdge: true},
	}, edges)

	edges = engine.Extract(KindParameter, "?\ncamera 0 /project1/cam1\ntx 0 5\n")
	assert.Equal(t, []state.Edge{{Destination: "cam1", IsParameterEdge: true}}, edges)

	assert.Empty(t, engine.Extract(KindParameter, `label 0 "light1"`))
	assert.Empty(t, engine.Extract(KindNetwork, "inputs { 0 geo1 }"))
}
