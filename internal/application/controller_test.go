package application

import (
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-blocking/infrastructure/artifacts"
	"github.com/ahrav/go-blocking/infrastructure/middleware"
	"github.com/ahrav/go-blocking/infrastructure/store"
	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
	"github.com/ahrav/go-blocking/internal/testutils"
)

var referenceColor = color.RGBA{R: 200, G: 180, B: 40, A: 255}

func testScene() domain.SceneState {
	return domain.SceneState{
		"Oat":    {Position: domain.Vector{X: 10, Y: 20, Z: 90}, Rotation: domain.Rotator{Yaw: 45}},
		"Sprout": {Position: domain.Vector{X: -10, Y: -20, Z: 90}},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Views = []string{"hero", "front", "top"}
	cfg.Retry.MaxAttempts = 1
	return cfg
}

func moveOat(dx float64) domain.EntityAdjustment {
	return domain.EntityAdjustment{Entity: "Oat", Kind: domain.KindMove, Position: &domain.Vector{X: dx}}
}

func step(score int, adj ...domain.EntityAdjustment) testutils.Step {
	return testutils.Step{Score: score, Adjustments: adj, CostUSD: 0.01}
}

type harness struct {
	renderer *testutils.FakeRenderer
	oracle   *testutils.ScriptedOracle
	sink     *artifacts.FileSink
	ctrl     *Controller
}

func newHarness(t *testing.T, cfg Config, steps ...testutils.Step) *harness {
	t.Helper()
	h := &harness{
		renderer: testutils.NewFakeRenderer(testScene()),
		oracle:   testutils.NewScriptedOracle(steps...),
	}
	sink, err := artifacts.NewFileSink(artifacts.Config{Root: t.TempDir()})
	require.NoError(t, err)
	h.sink = sink

	ctrl, err := NewController(cfg, Dependencies{
		Renderer:  h.renderer,
		Oracle:    h.oracle,
		Artifacts: sink,
		Observer:  middleware.NewOTelRunObserver(nil),
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func request() RunRequest {
	return RunRequest{Reference: testutils.SolidPNG(referenceColor)}
}

func decisions(cp domain.Checkpoint) []domain.CheckpointStatus {
	out := make([]domain.CheckpointStatus, len(cp.History))
	for i, it := range cp.History {
		out[i] = it.Decision
	}
	return out
}

func recordedScores(cp domain.Checkpoint) []int {
	out := make([]int, len(cp.History))
	for i, it := range cp.History {
		out[i] = it.Score
	}
	return out
}

func TestController_ConvergesWithRevert(t *testing.T) {
	// Given scores 40, 65, 55, 80 with a move of Oat each time
	h := newHarness(t, testConfig(),
		step(40, moveOat(10)),
		step(65, moveOat(10)),
		step(55, moveOat(10)),
		step(80, moveOat(10)),
	)

	// When the run completes
	res, err := h.ctrl.Run(context.Background(), request())

	// Then it accepts, accepts, reverts, accepts and converges at 80
	require.NoError(t, err)
	assert.Equal(t, domain.TerminalConverged, res.Terminal)
	assert.Equal(t, []domain.CheckpointStatus{
		domain.StatusAccepted, domain.StatusAccepted, domain.StatusReverted, domain.StatusAccepted,
	}, decisions(res.Checkpoint))
	assert.Equal(t, []int{40, 65, 65, 80}, recordedScores(res.Checkpoint))
	assert.Equal(t, 80, res.Checkpoint.BestScore)
	assert.Equal(t, 4, h.oracle.Calls())

	// And the live scene is the state that scored 80
	want := testScene()
	oat := want["Oat"]
	oat.Position.X = 20
	want["Oat"] = oat
	if diff := cmp.Diff(want, h.renderer.Scene()); diff != "" {
		t.Errorf("final scene mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(res.Checkpoint.BestState, h.renderer.Scene()); diff != "" {
		t.Errorf("live scene differs from best state (-best +live):\n%s", diff)
	}

	// And the converging adjustment was never written
	assert.Len(t, h.renderer.Writes(), 5)
	assert.InDelta(t, 0.04, res.TotalCostUSD, 1e-9)
	_, teardowns, _ := h.renderer.Counts()
	assert.Equal(t, 1, teardowns)
}

func TestController_RecordedScoresNeverDecrease(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 6
	cfg.AdaptiveMode = false
	h := newHarness(t, cfg,
		step(50, moveOat(5)), step(30, moveOat(5)), step(60, moveOat(5)),
		step(45, moveOat(5)), step(70, moveOat(5)), step(10, moveOat(5)),
	)

	res, err := h.ctrl.Run(context.Background(), request())

	require.NoError(t, err)
	assert.Equal(t, domain.TerminalMaxIterations, res.Terminal)
	scores := recordedScores(res.Checkpoint)
	for i := 1; i < len(scores); i++ {
		assert.GreaterOrEqual(t, scores[i], scores[i-1], "scores %v", scores)
	}
	if diff := cmp.Diff(res.Checkpoint.BestState, h.renderer.Scene()); diff != "" {
		t.Errorf("live scene differs from best state (-best +live):\n%s", diff)
	}
}

func TestController_MissingCredentialAbortsWithoutNetwork(t *testing.T) {
	// Given a hosted provider with no key and an endpoint that must stay idle
	t.Setenv("ANTHROPIC_API_KEY", "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected provider request %s", r.URL.Path)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Provider.Name = "anthropic"
	cfg.Provider.BaseURL = srv.URL
	stack, err := BuildOracle(context.Background(), cfg, OracleOptions{})
	require.NoError(t, err)

	renderer := testutils.NewFakeRenderer(testScene())
	ctrl, err := NewController(cfg, Dependencies{Renderer: renderer, Oracle: stack.Provider})
	require.NoError(t, err)

	// When the run starts
	res, err := ctrl.Run(context.Background(), request())

	// Then it aborts on the first call with nothing spent or written
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrMissingCredentials)
	assert.Equal(t, domain.TerminalAborted, res.Terminal)
	assert.Equal(t, 1, res.OracleCalls)
	assert.Zero(t, res.TotalCostUSD)
	assert.Zero(t, stack.Budget.Usage().CostUSD)
	assert.Empty(t, renderer.Writes())
}

func TestController_MissingBindingIsIntegrityFailure(t *testing.T) {
	// Given a roster entity the renderer has no binding for
	cfg := testConfig()
	cfg.Scene.Roster = []string{"Oat", "Sprout", "Bench"}
	h := newHarness(t, cfg, step(50, domain.EntityAdjustment{
		Entity: "Bench", Kind: domain.KindMove, Position: &domain.Vector{Y: 40},
	}))

	// When the oracle moves it
	res, err := h.ctrl.Run(context.Background(), request())

	// Then the run aborts with an integrity error and a diagnostic
	var pie *domain.PipelineIntegrityError
	require.ErrorAs(t, err, &pie)
	assert.Equal(t, "Bench", pie.Entity)
	assert.Equal(t, []string{"Oat", "Sprout"}, pie.Bindings)
	assert.Equal(t, domain.TerminalAborted, res.Terminal)
	assert.Empty(t, h.renderer.Writes())

	data, err := os.ReadFile(filepath.Join(h.sink.RunDir(res.RunID), "diagnostic.json"))
	require.NoError(t, err)
	var diag ports.Diagnostic
	require.NoError(t, json.Unmarshal(data, &diag))
	assert.Equal(t, "Bench", diag.Entity)
	assert.Equal(t, string(domain.StateApplying), diag.State)
	assert.Equal(t, []string{"Oat", "Sprout"}, diag.Bindings)
	assert.Contains(t, diag.RawText, "Bench")
	assert.NotEmpty(t, diag.Prompt)
}

func TestController_StopsOnOscillation(t *testing.T) {
	h := newHarness(t, testConfig(),
		testutils.ScoreStep(70, 0), testutils.ScoreStep(20, 0),
		testutils.ScoreStep(70, 0), testutils.ScoreStep(20, 0),
		testutils.ScoreStep(70, 0),
	)

	res, err := h.ctrl.Run(context.Background(), request())

	require.NoError(t, err)
	assert.Equal(t, domain.TerminalOscillating, res.Terminal)
	assert.Equal(t, 4, h.oracle.Calls())
}

func TestController_HeroViewMissing(t *testing.T) {
	h := newHarness(t, testConfig(), step(50))
	h.renderer.MissingViews = []domain.ViewID{domain.ViewHero}

	res, err := h.ctrl.Run(context.Background(), request())

	assert.ErrorIs(t, err, domain.ErrPipelineIntegrity)
	assert.Equal(t, domain.TerminalAborted, res.Terminal)
	assert.Zero(t, h.oracle.Calls())
	assert.Len(t, res.Checkpoint.History, h.oracle.Calls())

	// The aborted capture is still diagnosed.
	data, err := os.ReadFile(filepath.Join(h.sink.RunDir(res.RunID), "diagnostic.json"))
	require.NoError(t, err)
	var diag ports.Diagnostic
	require.NoError(t, json.Unmarshal(data, &diag))
	assert.Equal(t, string(domain.StateCapturing), diag.State)
	assert.Contains(t, diag.Error, "hero view")
}

func TestController_TooFewViews(t *testing.T) {
	cfg := testConfig()
	cfg.MinViews = 3
	h := newHarness(t, cfg, step(50))
	h.renderer.MissingViews = []domain.ViewID{domain.ViewTop}

	res, err := h.ctrl.Run(context.Background(), request())

	assert.ErrorIs(t, err, domain.ErrPipelineIntegrity)
	assert.ErrorContains(t, err, "captured 2 views, need at least 3")
	assert.Len(t, res.Checkpoint.History, h.oracle.Calls())
}

func TestController_CaptureAbortAfterScoredIterations(t *testing.T) {
	// Given two scored iterations and a capture that then loses the hero
	h := newHarness(t, testConfig(), step(40, moveOat(10)), step(50, moveOat(10)))
	h.renderer.MissingViews = []domain.ViewID{domain.ViewHero}
	h.renderer.MissingFrom = 3

	// When the run aborts in the third capture
	res, err := h.ctrl.Run(context.Background(), request())

	// Then only the iterations that reached the oracle are in the history
	assert.ErrorIs(t, err, domain.ErrPipelineIntegrity)
	assert.Equal(t, 2, h.oracle.Calls())
	assert.Len(t, res.Checkpoint.History, h.oracle.Calls())
	assert.Equal(t, []int{40, 50}, recordedScores(res.Checkpoint))
}

func TestController_ConfiguredHeroIsAlwaysSubmitted(t *testing.T) {
	// Given front as the hero and scores high enough for minimal selection
	cfg := testConfig()
	cfg.Views = []string{"front", "top"}
	cfg.HeroView = "front"
	cfg.SuccessThreshold = 95
	cfg.MaxIterations = 2
	h := newHarness(t, cfg, testutils.ScoreStep(88, 0.01), testutils.ScoreStep(88, 0.01))

	// When the run completes
	res, err := h.ctrl.Run(context.Background(), request())

	// Then every request leads with front at high detail and never asks
	// for the uncaptured default hero
	require.NoError(t, err)
	requests := h.oracle.Requests()
	require.Len(t, requests, 2)
	for i, req := range requests {
		require.NotEmpty(t, req.Views, "request %d", i+1)
		assert.Equal(t, domain.ViewFront, req.Views[0].ID, "request %d", i+1)
		assert.True(t, req.Views[0].HighDetail, "request %d", i+1)
		for _, v := range req.Views {
			assert.NotEqual(t, domain.ViewHero, v.ID, "request %d", i+1)
		}
	}

	// And the minimal selection is the configured hero alone
	last := res.Checkpoint.History[1].Selection
	assert.Equal(t, domain.StrategyMinimal, last.Strategy)
	assert.Equal(t, []domain.ViewID{domain.ViewFront}, last.RGBViews)
}

func TestController_FitsRequestsToImageLimit(t *testing.T) {
	tests := []struct {
		name        string
		providerMax int
		configMax   int
		want        int
	}{
		{name: "provider limit", providerMax: 4, want: 4},
		{name: "configured cap below provider limit", providerMax: 20, configMax: 3, want: 3},
		{name: "provider limit below configured cap", providerMax: 5, configMax: 10, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given a reference depth map and three views with depth layers
			cfg := testConfig()
			cfg.MaxIterations = 2
			cfg.Provider.MaxImages = tt.configMax
			h := newHarness(t, cfg, testutils.ScoreStep(50, 0.01), testutils.ScoreStep(60, 0.01))
			h.oracle.MaxImages = tt.providerMax
			req := request()
			depth := testutils.SolidPNG(referenceColor)
			req.ReferenceDepth = &depth

			// When the run completes
			res, err := h.ctrl.Run(context.Background(), req)

			// Then no request exceeds the limit and the hero always goes
			require.NoError(t, err)
			for _, it := range res.Checkpoint.History {
				assert.False(t, it.Failed(), it.FailureReason)
			}
			requests := h.oracle.Requests()
			require.Len(t, requests, 2)
			for i, r := range requests {
				assert.LessOrEqual(t, r.ImageCount(), tt.want, "request %d", i+1)
				assert.Equal(t, tt.want, r.MaxImages, "request %d", i+1)
				require.NotEmpty(t, r.Views)
				assert.Equal(t, domain.ViewHero, r.Views[0].ID)
				assert.Equal(t, res.Checkpoint.History[i].Selection.ImageCount, r.ImageCount())
			}
		})
	}
}

func TestController_ConsecutiveFailuresAbort(t *testing.T) {
	// Given an oracle that never returns JSON
	h := newHarness(t, testConfig(), testutils.Step{Text: "I cannot help with that.", CostUSD: 0.02})

	res, err := h.ctrl.Run(context.Background(), request())

	assert.ErrorIs(t, err, ErrTooManyFailures)
	assert.Equal(t, domain.TerminalAborted, res.Terminal)
	assert.Equal(t, 3, h.oracle.Calls())
	require.Len(t, res.Checkpoint.History, 3)
	for _, it := range res.Checkpoint.History {
		assert.True(t, it.Failed())
		assert.Equal(t, domain.StatusRevertedUnchanged, it.Decision)
		assert.InDelta(t, 0.02, it.CostUSD, 1e-12)
		assert.Contains(t, it.FailureReason, "no JSON object found")
	}
	assert.InDelta(t, 0.06, res.TotalCostUSD, 1e-12)
	assert.Empty(t, h.renderer.Writes())
}

func TestController_TransientFailureThenRecovery(t *testing.T) {
	h := newHarness(t, testConfig(),
		testutils.Step{Err: ports.NewOracleError(ports.FailureRateLimited, "scripted", "slow down", nil)},
		step(85),
	)

	res, err := h.ctrl.Run(context.Background(), request())

	require.NoError(t, err)
	assert.Equal(t, domain.TerminalConverged, res.Terminal)
	require.Len(t, res.Checkpoint.History, 2)
	assert.True(t, res.Checkpoint.History[0].Failed())
	assert.Equal(t, 85, res.Checkpoint.History[1].Score)
}

func TestController_CostIsSumOfIterations(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 3
	h := newHarness(t, cfg,
		testutils.ScoreStep(50, 0.012),
		testutils.Step{Err: ports.NewOracleError(ports.FailureTimeout, "scripted", "", nil)},
		testutils.ScoreStep(60, 0.034),
	)

	res, err := h.ctrl.Run(context.Background(), request())

	require.NoError(t, err)
	var sum float64
	for _, it := range res.Checkpoint.History {
		sum += it.CostUSD
	}
	assert.InDelta(t, 0.046, sum, 1e-12)
	assert.InDelta(t, sum, res.TotalCostUSD, 1e-12)
}

func TestController_FailedIterationCost(t *testing.T) {
	tests := []struct {
		name     string
		failure  testutils.Step
		wantCost float64
	}{
		{
			name:     "paid reply without json keeps its cost",
			failure:  testutils.Step{Text: "Looks close enough to me.", CostUSD: 0.015},
			wantCost: 0.015,
		},
		{
			name:     "transport failure costs nothing",
			failure:  testutils.Step{Err: ports.NewOracleError(ports.FailureTransport, "scripted", "reset", nil)},
			wantCost: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given a failed iteration followed by a converging one
			h := newHarness(t, testConfig(), tt.failure, testutils.ScoreStep(85, 0.01))

			// When the run completes
			res, err := h.ctrl.Run(context.Background(), request())

			// Then the failure carries what it was billed and the total
			// matches the spend
			require.NoError(t, err)
			require.Len(t, res.Checkpoint.History, 2)
			failed := res.Checkpoint.History[0]
			assert.True(t, failed.Failed())
			assert.InDelta(t, tt.wantCost, failed.CostUSD, 1e-12)
			assert.InDelta(t, tt.wantCost+0.01, res.TotalCostUSD, 1e-12)
		})
	}
}

func TestController_BudgetExhaustionAborts(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.MaxCostUSD = 1.0
	scripted := testutils.NewScriptedOracle(testutils.ScoreStep(10, 0.5), testutils.ScoreStep(20, 0.5), testutils.ScoreStep(30, 0.5))
	stack, err := BuildOracle(context.Background(), cfg, OracleOptions{Base: scripted})
	require.NoError(t, err)

	ctrl, err := NewController(cfg, Dependencies{Renderer: testutils.NewFakeRenderer(testScene()), Oracle: stack.Provider})
	require.NoError(t, err)

	res, err := ctrl.Run(context.Background(), request())

	assert.ErrorIs(t, err, ports.ErrBudgetExceeded)
	assert.Equal(t, domain.TerminalAborted, res.Terminal)
	assert.Equal(t, 2, scripted.Calls())
	assert.InDelta(t, 1.0, res.TotalCostUSD, 1e-9)
}

func TestController_AdaptiveSwitchToAbsolute(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 4
	h := newHarness(t, cfg,
		testutils.ScoreStep(30, 0), testutils.ScoreStep(20, 0),
		testutils.ScoreStep(10, 0), testutils.ScoreStep(10, 0),
	)

	res, err := h.ctrl.Run(context.Background(), request())

	require.NoError(t, err)
	reqs := h.oracle.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, domain.ModeRelative, reqs[2].Mode)
	assert.Equal(t, domain.ModeAbsolute, reqs[3].Mode)
	assert.Equal(t, domain.ModeAbsolute, res.Mode)
}

func TestController_AdaptiveDisabledKeepsMode(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 4
	cfg.AdaptiveMode = false
	h := newHarness(t, cfg, testutils.ScoreStep(30, 0), testutils.ScoreStep(20, 0), testutils.ScoreStep(10, 0))

	res, err := h.ctrl.Run(context.Background(), request())

	require.NoError(t, err)
	assert.Equal(t, domain.ModeRelative, res.Mode)
}

func TestController_ReadBackMismatchIsFatal(t *testing.T) {
	h := newHarness(t, testConfig(), step(50, moveOat(10)))
	h.renderer.Drift = domain.Vector{Z: 0.5}

	res, err := h.ctrl.Run(context.Background(), request())

	var pie *domain.PipelineIntegrityError
	require.ErrorAs(t, err, &pie)
	assert.Equal(t, "Oat", pie.Entity)
	require.NotNil(t, pie.Expected)
	require.NotNil(t, pie.Actual)
	assert.InDelta(t, 0.5, pie.Actual.Position.Z-pie.Expected.Position.Z, 1e-9)
	assert.Equal(t, domain.TerminalAborted, res.Terminal)
}

func TestController_RestoresBestStateAtIterationLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 2
	h := newHarness(t, cfg, step(50, moveOat(10)), step(60, moveOat(10)))

	res, err := h.ctrl.Run(context.Background(), request())

	// The second move was never scored, so the scene returns to the state
	// that earned 60.
	require.NoError(t, err)
	assert.Equal(t, domain.TerminalMaxIterations, res.Terminal)
	assert.InDelta(t, 20, h.renderer.Scene()["Oat"].Position.X, 1e-9)
	if diff := cmp.Diff(res.Checkpoint.BestState, h.renderer.Scene()); diff != "" {
		t.Errorf("live scene differs from best state (-best +live):\n%s", diff)
	}
}

func TestController_CheckpointingDisabledAcceptsEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Checkpointing = false
	cfg.MaxIterations = 3
	cfg.AdaptiveMode = false
	h := newHarness(t, cfg, step(60, moveOat(1)), step(30, moveOat(1)), step(50, moveOat(1)))

	res, err := h.ctrl.Run(context.Background(), request())

	require.NoError(t, err)
	assert.Equal(t, []domain.CheckpointStatus{
		domain.StatusAccepted, domain.StatusAccepted, domain.StatusAccepted,
	}, decisions(res.Checkpoint))
	assert.Equal(t, []int{60, 30, 50}, recordedScores(res.Checkpoint))
	assert.InDelta(t, 13, h.renderer.Scene()["Oat"].Position.X, 1e-9)
}

// cancellingOracle cancels the run while answering call number at.
type cancellingOracle struct {
	*testutils.ScriptedOracle
	cancel context.CancelFunc
	at     int
}

func (o *cancellingOracle) Analyze(ctx context.Context, req domain.OracleRequest) (ports.OracleResult, error) {
	res, err := o.ScriptedOracle.Analyze(ctx, req)
	if o.Calls() == o.at {
		o.cancel()
	}
	return res, err
}

func TestController_CancellationStopsWrites(t *testing.T) {
	// Given a run cancelled while the second reply is in flight
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	renderer := testutils.NewFakeRenderer(testScene())
	scripted := &cancellingOracle{
		ScriptedOracle: testutils.NewScriptedOracle(step(40, moveOat(10)), step(50, moveOat(10))),
		cancel:         cancel,
		at:             2,
	}
	ctrl, err := NewController(testConfig(), Dependencies{Renderer: renderer, Oracle: scripted})
	require.NoError(t, err)

	// When the run continues
	res, err := ctrl.Run(ctx, request())

	// Then it aborts without touching the renderer again
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.TerminalAborted, res.Terminal)
	assert.Len(t, renderer.Writes(), 1)
	assert.Equal(t, 2, scripted.Calls())
}

func TestController_CameraLookAt(t *testing.T) {
	// Given an absolute camera move with look-at towards the subjects
	cfg := testConfig()
	cfg.PositioningMode = string(domain.ModeAbsolute)
	cfg.Camera.LookAt = true
	cfg.Camera.HeadOffset = 70
	cfg.MaxIterations = 1
	h := newHarness(t, cfg, testutils.Step{
		Score: 50,
		Camera: &domain.CameraAdjustment{
			EntityAdjustment: domain.EntityAdjustment{Position: &domain.Vector{X: -300, Z: 460}},
			NeedsAdjustment:  true,
		},
	})

	_, err := h.ctrl.Run(context.Background(), request())

	// Then the camera aims 45 degrees down at the centroid raised by the offset
	require.NoError(t, err)
	cam, ok := h.renderer.Camera()
	require.True(t, ok)
	assert.Equal(t, domain.Vector{X: -300, Z: 460}, cam.Position)
	assert.InDelta(t, -45, cam.Rotation.Pitch, 1e-9)
	assert.InDelta(t, 0, cam.Rotation.Yaw, 1e-9)
	assert.Zero(t, cam.Rotation.Roll)
}

func TestController_CameraNotMovedWhenNotRequested(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 1
	h := newHarness(t, cfg, testutils.Step{
		Score:  50,
		Camera: &domain.CameraAdjustment{EntityAdjustment: domain.EntityAdjustment{Position: &domain.Vector{X: 10}}},
	})

	_, err := h.ctrl.Run(context.Background(), request())

	require.NoError(t, err)
	_, ok := h.renderer.Camera()
	assert.False(t, ok)
}

func cameraStep(score int, x float64) testutils.Step {
	return testutils.Step{
		Score: score,
		Camera: &domain.CameraAdjustment{
			EntityAdjustment: domain.EntityAdjustment{Position: &domain.Vector{X: x, Z: 200}},
			NeedsAdjustment:  true,
		},
	}
}

func TestController_RevertRestoresCamera(t *testing.T) {
	// Given camera moves on every iteration and a regression on the third
	cfg := testConfig()
	cfg.PositioningMode = string(domain.ModeAbsolute)
	cfg.Camera.LookAt = false
	cfg.AdaptiveMode = false
	cfg.MaxIterations = 3
	h := newHarness(t, cfg, cameraStep(50, -100), cameraStep(60, -200), cameraStep(40, -300))

	// When the run reverts
	res, err := h.ctrl.Run(context.Background(), request())

	// Then the camera is back where the best state was captured from
	require.NoError(t, err)
	assert.Equal(t, []domain.CheckpointStatus{
		domain.StatusAccepted, domain.StatusAccepted, domain.StatusReverted,
	}, decisions(res.Checkpoint))
	cam, ok := h.renderer.Camera()
	require.True(t, ok)
	assert.Equal(t, domain.Vector{X: -100, Z: 200}, cam.Position)
	_, _, cameraCalls := h.renderer.Counts()
	assert.Equal(t, 4, cameraCalls)
}

func TestController_RecordsRunInStore(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctrl, err := NewController(testConfig(), Dependencies{
		Renderer: testutils.NewFakeRenderer(testScene()),
		Oracle:   testutils.NewScriptedOracle(step(40, moveOat(10)), step(90)),
		Store:    db,
		NewRunID: func() string { return "run-fixed" },
	})
	require.NoError(t, err)

	res, err := ctrl.Run(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, "run-fixed", res.RunID)

	run, ok, err := db.GetRun(ctx, "run-fixed")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.TerminalConverged, run.Terminal)
	assert.Equal(t, 2, run.Iterations)
	require.NotNil(t, run.BestScore)
	assert.Equal(t, 90, *run.BestScore)

	its, err := db.Iterations(ctx, "run-fixed")
	require.NoError(t, err)
	require.Len(t, its, 2)
	assert.Equal(t, []string{"Oat"}, its[0].Applied)
}

func TestController_WritesIterationArtifacts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 1
	h := newHarness(t, cfg, step(50, moveOat(10)))

	res, err := h.ctrl.Run(context.Background(), request())
	require.NoError(t, err)

	dir := h.sink.IterationDir(res.RunID, 1)
	for _, name := range []string{"metadata.json", "prompt.txt", filepath.Join("views", "hero.png")} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(h.sink.RunDir(res.RunID), "reference.png"))
	assert.NoError(t, err)
}

func TestController_RejectsUnsupportedReference(t *testing.T) {
	h := newHarness(t, testConfig(), step(50))

	res, err := h.ctrl.Run(context.Background(), RunRequest{Reference: domain.Image{Data: []byte("nope")}})

	assert.Nil(t, res)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, teardowns, _ := h.renderer.Counts()
	assert.Zero(t, teardowns)
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	_, err := NewController(testConfig(), Dependencies{Oracle: testutils.NewScriptedOracle()})
	assert.Error(t, err)
	_, err = NewController(testConfig(), Dependencies{Renderer: testutils.NewFakeRenderer(nil)})
	assert.Error(t, err)
}

func TestOscillating(t *testing.T) {
	tests := []struct {
		name   string
		scores []int
		want   bool
	}{
		{name: "too short", scores: []int{70, 20, 70}, want: false},
		{name: "alternating", scores: []int{70, 20, 70, 20}, want: true},
		{name: "older prefix ignored", scores: []int{90, 10, 70, 20, 70, 20}, want: true},
		{name: "gap too small", scores: []int{60, 40, 60, 40}, want: false},
		{name: "not alternating", scores: []int{70, 20, 71, 20}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, oscillating(tt.scores, 30))
		})
	}
}

func TestLookAt(t *testing.T) {
	tests := []struct {
		name      string
		from, to  domain.Vector
		wantPitch float64
		wantYaw   float64
		wantOK    bool
	}{
		{name: "straight ahead", from: domain.Vector{}, to: domain.Vector{X: 100}, wantOK: true},
		{name: "to the right", from: domain.Vector{}, to: domain.Vector{Y: 100}, wantYaw: 90, wantOK: true},
		{name: "behind", from: domain.Vector{}, to: domain.Vector{X: -100}, wantYaw: 180, wantOK: true},
		{name: "up", from: domain.Vector{}, to: domain.Vector{X: 100, Z: 100}, wantPitch: 45, wantOK: true},
		{name: "same point", from: domain.Vector{X: 5}, to: domain.Vector{X: 5}, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rot, ok := lookAt(toVec(tt.from), toVec(tt.to))
			require.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.wantPitch, rot.Pitch, 1e-9)
			assert.InDelta(t, tt.wantYaw, rot.Yaw, 1e-9)
		})
	}
}

func TestFatalClassification(t *testing.T) {
	r := &run{}
	ctx := context.Background()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "credential", err: ports.NewOracleError(ports.FailureUnauthorized, "p", "", nil), want: true},
		{name: "transient", err: ports.NewOracleError(ports.FailureTransport, "p", "", nil), want: false},
		{name: "bad request", err: ports.NewOracleError(ports.FailureBadRequest, "p", "", nil), want: false},
		{name: "malformed reply", err: &domain.ValidationError{Entity: "reply", Err: ports.ErrMalformedResponse}, want: false},
		{name: "budget", err: &middleware.BudgetExceededError{LimitType: "cost_usd"}, want: true},
		{name: "unexpected", err: errors.New("template exploded"), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.fatal(ctx, tt.err))
		})
	}
}
