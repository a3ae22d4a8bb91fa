package blueprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitgenie/genie/internal/analyzer"
)

func TestFromAnalysisCommands(t *testing.T) {
	a := analyzer.Analysis{
		ProjectType:     "node",
		Framework:       "nextjs",
		InstallCommands: []string{"npm ci"},
		RunCommands:     []string{"npm run build", "npm start"},
		Ports:           analyzer.Ports{Frontend: 3000},
	}
	p := FromAnalysis("shop", a, "PORT=${PORT} npm start")

	assert.Equal(t, "shop", p.Name)
	assert.Equal(t, []string{"npm ci", "npm run build", "PORT=${PORT} npm start"}, p.Commands())
}

func TestMarshalRoundTrip(t *testing.T) {
	p := RunPlan{
		Name:         "api",
		ProjectType:  "python",
		RunCommands:  []string{"python3 app.py"},
		StartCommand: "python3 app.py",
		Ports:        analyzer.Ports{Frontend: 5000},
		GeneratedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), "start: python3 app.py")
	assert.Contains(t, string(data), "frontend: 5000")

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestUnmarshalRejectsIncompletePlan(t *testing.T) {
	_, err := Unmarshal([]byte("name: x\n"))
	assert.Error(t, err)

	_, err = Unmarshal([]byte("name: [unclosed"))
	assert.Error(t, err)
}
