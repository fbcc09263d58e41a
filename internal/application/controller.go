package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-blocking/infrastructure/codec"
	"github.com/ahrav/go-blocking/infrastructure/oracle"
	"github.com/ahrav/go-blocking/infrastructure/views"
	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// ErrTooManyFailures ends a run whose oracle calls keep failing.
var ErrTooManyFailures = errors.New("too many consecutive oracle failures")

// verifyTolerance is the largest per-component difference accepted between
// a written transform and its read-back.
const verifyTolerance = 1e-3

// Dependencies are the collaborators a Controller drives. Renderer and
// Oracle are required; the rest are optional.
type Dependencies struct {
	Renderer ports.Renderer
	// Oracle is normally a provider wrapped in the middleware chain built by
	// BuildOracle.
	Oracle    ports.Oracle
	Artifacts ports.ArtifactSink
	Store     ports.RunStore
	Observer  ports.RunObserver
	// Cache is cleared every cache.reset_every oracle calls.
	Cache  ports.CacheStore
	Logger *slog.Logger
	// NewRunID defaults to uuid.NewString.
	NewRunID func() string
	// Now defaults to time.Now.
	Now func() time.Time
}

// RunRequest carries the inputs of one optimization run.
type RunRequest struct {
	Reference      domain.Image
	ReferenceDepth *domain.Image
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID    string
	Terminal domain.TerminalState
	Reason   string
	// Checkpoint holds the best score, the best scene and the full history.
	Checkpoint   domain.Checkpoint
	Mode         domain.PositioningMode
	OracleCalls  int
	TotalCostUSD float64
}

// Controller runs the capture, score, apply and checkpoint loop until the
// scene converges, oscillates, runs out of iterations or aborts. A
// Controller may run many requests sequentially; each Run owns its state.
type Controller struct {
	cfg     Config
	deps    Dependencies
	policy  views.Policy
	prompts *codec.PromptBuilder
	schema  map[string]any
	logger  *slog.Logger

	// maxImages is the per-request image budget; zero means unlimited.
	maxImages int
}

// NewController validates deps and prepares the prompt builder and the
// response schema shared by every run.
func NewController(cfg Config, deps Dependencies) (*Controller, error) {
	if deps.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if deps.Oracle == nil {
		return nil, errors.New("oracle is required")
	}
	prompts, err := codec.NewPromptBuilder()
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt builder: %w", err)
	}
	schema, err := codec.ResponseSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to build response schema: %w", err)
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	if deps.NewRunID == nil {
		deps.NewRunID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	price := cfg.ViewSelection.InputPricePerMillion
	if price == 0 {
		price = oracle.PricesFor(deps.Oracle.Name()).Input
	}

	return &Controller{
		cfg:       cfg,
		deps:      deps,
		policy:    views.Policy{Enabled: cfg.ViewSelection.Enabled, InputPricePerMillion: price},
		prompts:   prompts,
		schema:    schema,
		logger:    deps.Logger,
		maxImages: imageBudget(deps.Oracle, cfg.Provider.MaxImages),
	}, nil
}

// imageBudget is the provider's image limit, lowered by the configured cap.
func imageBudget(o ports.Oracle, configured int) int {
	limit := configured
	if p, ok := o.(oracle.Provider); ok {
		if m := p.Capabilities().MaxImages; m > 0 && (limit <= 0 || m < limit) {
			limit = m
		}
	}
	return limit
}

// Run optimizes the live scene against req.Reference. The returned result
// is always set once the run has started; err is non-nil exactly when the
// run ends ABORTED. Unless ctx was cancelled, the live scene is left equal
// to the best checkpointed state.
func (c *Controller) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if !req.Reference.IsSupported() {
		return nil, fmt.Errorf("%w: reference image is empty or of an unsupported type", domain.ErrInvalidState)
	}

	r := &run{
		Controller: c,
		id:         c.deps.NewRunID(),
		req:        req,
		ckpt:       domain.NewCheckpointManager(c.cfg.Checkpointing),
		mode:       c.cfg.Mode(),
	}
	r.log = c.logger.With("run_id", r.id)

	record := ports.RunRecord{
		ID:        r.id,
		Provider:  c.deps.Oracle.Name(),
		Model:     c.deps.Oracle.Model(),
		Mode:      r.mode,
		StartedAt: c.deps.Now(),
	}
	ctx = c.deps.Observer.RunStarted(ctx, record)
	r.log.Info("run started", "provider", record.Provider, "model", record.Model, "mode", r.mode, "max_iterations", c.cfg.MaxIterations)

	if c.deps.Store != nil {
		if err := c.deps.Store.BeginRun(ctx, record); err != nil {
			r.log.Warn("failed to record run start", "error", err)
		}
	}
	if err := c.deps.Renderer.Teardown(ctx); err != nil {
		r.log.Warn("renderer teardown failed", "error", err)
	}
	if c.deps.Artifacts != nil {
		if err := c.deps.Artifacts.WriteReference(ctx, r.id, req.Reference, req.ReferenceDepth); err != nil {
			r.log.Warn("failed to write reference artifact", "error", err)
		}
	}

	terminal, reason, err := r.loop(ctx)
	if err != nil {
		r.diagnose(ctx, err)
	}
	if ctx.Err() == nil {
		if rerr := r.restoreBest(ctx); rerr != nil {
			if err == nil {
				err = fmt.Errorf("restore best state: %w", rerr)
				r.diagnose(ctx, err)
			} else {
				r.log.Error("failed to restore best state", "error", rerr)
			}
		}
	}
	if err != nil {
		terminal, reason = domain.TerminalAborted, err.Error()
	}

	summary := ports.RunSummary{
		Terminal:   terminal,
		Reason:     reason,
		Checkpoint: r.ckpt.Snapshot(),
		FinishedAt: c.deps.Now(),
	}
	finishCtx := context.WithoutCancel(ctx)
	if c.deps.Store != nil {
		if serr := c.deps.Store.FinishRun(finishCtx, r.id, summary); serr != nil {
			r.log.Warn("failed to record run finish", "error", serr)
		}
	}
	c.deps.Observer.RunFinished(finishCtx, summary, err)

	result := &RunResult{
		RunID:        r.id,
		Terminal:     terminal,
		Reason:       reason,
		Checkpoint:   summary.Checkpoint,
		Mode:         r.mode,
		OracleCalls:  r.calls,
		TotalCostUSD: summary.Checkpoint.TotalCost(),
	}
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	r.log.Log(ctx, level, "run finished",
		"terminal", terminal,
		"reason", reason,
		"best_score", summary.Checkpoint.BestScore,
		"iterations", len(summary.Checkpoint.History),
		"cost_usd", result.TotalCostUSD,
	)
	return result, err
}

// run is the state of one Run call.
type run struct {
	*Controller
	log *slog.Logger

	id   string
	req  RunRequest
	ckpt *domain.CheckpointManager
	mode domain.PositioningMode

	// scores holds the raw scores of successful iterations, oldest first.
	scores   []int
	failures int
	calls    int
	// camera is the last placement sent to SetCamera. shotCamera is the
	// placement the current iteration was captured with and bestCamera the
	// one behind the best state; nil means the renderer's own placement.
	camera     *domain.Transform
	shotCamera *domain.Transform
	bestCamera *domain.Transform

	// Diagnostic context of the iteration in progress.
	index     int
	state     domain.ControllerState
	prompt    string
	raw       string
	selection *domain.ViewSelection
	live      domain.SceneState
	artifact  ports.IterationArtifact

	// cost is what the iteration's oracle reply was billed, parsed or not.
	cost float64
}

func (r *run) loop(ctx context.Context) (domain.TerminalState, string, error) {
	for i := 1; i <= r.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return "", "", fmt.Errorf("run cancelled: %w", err)
		}

		ictx := r.deps.Observer.IterationStarted(ctx, i)
		calls := r.calls
		it, err := r.iterate(ictx, i)
		r.record(ictx, it, r.calls > calls)
		if err != nil {
			return "", "", err
		}

		if it.Failed() {
			r.failures++
			if r.failures >= r.cfg.MaxConsecutiveFailures {
				return "", "", fmt.Errorf("%w: %d in a row, last: %s", ErrTooManyFailures, r.failures, it.FailureReason)
			}
		} else {
			r.failures = 0
		}

		if terminal, reason := r.stopCondition(i, it); terminal != "" {
			return terminal, reason, nil
		}
		r.adaptMode()
	}
	return domain.TerminalMaxIterations, fmt.Sprintf("reached %d iterations", r.cfg.MaxIterations), nil
}

// iterate runs one pass of the state machine. A failed oracle call or an
// unusable reply yields a failed Iteration and a nil error; err is set only
// for failures that end the run. A paid reply that cannot be parsed keeps
// its cost.
func (r *run) iterate(ctx context.Context, index int) (domain.Iteration, error) {
	it := domain.Iteration{
		Index:     index,
		Mode:      r.mode,
		Decision:  domain.StatusRevertedUnchanged,
		Score:     r.ckpt.BestScore(),
		Timestamp: r.deps.Now(),
	}
	r.index, r.prompt, r.raw, r.selection, r.cost = index, "", "", nil, 0
	r.artifact = ports.IterationArtifact{Index: index, Mode: r.mode}

	r.state = domain.StateCapturing
	scene, captures, err := r.capture(ctx)
	if err != nil {
		it.FailureReason = err.Error()
		return it, err
	}
	r.artifact.Captures = captures

	r.state = domain.StateScoring
	if err := ctx.Err(); err != nil {
		it.FailureReason = err.Error()
		return it, fmt.Errorf("run cancelled: %w", err)
	}
	resp, err := r.score(ctx, index, scene, captures)
	if r.selection != nil {
		it.Selection = *r.selection
	}
	if err != nil {
		it.FailureReason = err.Error()
		it.CostUSD = r.cost
		if r.fatal(ctx, err) {
			return it, err
		}
		r.log.Warn("oracle iteration failed", "iteration", index, "error", err)
		return it, nil
	}
	it.Response = resp
	it.CostUSD = resp.Usage.CostUSD
	score := resp.MatchScore

	// A converging score is final, so its adjustments are not applied.
	if score < r.cfg.SuccessThreshold {
		r.state = domain.StateApplying
		applied, err := r.apply(ctx, resp)
		it.Applied = applied
		if err != nil {
			it.FailureReason = err.Error()
			return it, err
		}
	}

	r.state = domain.StateCheckpointing
	if err := ctx.Err(); err != nil {
		it.FailureReason = err.Error()
		return it, fmt.Errorf("run cancelled: %w", err)
	}
	decision := r.ckpt.Evaluate(score, scene)
	it.Decision = decision.Status
	it.Score = decision.Score
	switch decision.Status {
	case domain.StatusAccepted:
		r.bestCamera = r.shotCamera
	case domain.StatusReverted:
		r.log.Info("reverting to best state", "iteration", index, "score", score, "best_score", decision.Score)
		if err := r.writeScene(ctx, decision.State); err != nil {
			it.FailureReason = err.Error()
			return it, err
		}
		if err := r.restoreCamera(ctx); err != nil {
			it.FailureReason = err.Error()
			return it, err
		}
	}
	return it, nil
}

// capture reads the live scene and captures the configured views.
func (r *run) capture(ctx context.Context) (domain.SceneState, domain.CaptureSet, error) {
	scene, err := r.deps.Renderer.ReadTransforms(ctx)
	if err != nil {
		return nil, domain.CaptureSet{}, fmt.Errorf("read transforms: %w", err)
	}
	r.live = scene
	r.ckpt.Seed(scene)
	r.shotCamera = r.camera

	captures, err := r.deps.Renderer.Capture(ctx, r.cfg.CaptureViews())
	if err != nil {
		return nil, domain.CaptureSet{}, fmt.Errorf("capture views: %w", err)
	}
	hero := r.cfg.Hero()
	if !captures.Has(hero) {
		return nil, captures, domain.NewPipelineIntegrityError(
			fmt.Sprintf("hero view %q missing from capture", hero), "", scene.Entities())
	}
	if n := len(captures.Views); n < r.cfg.MinViews {
		return nil, captures, domain.NewPipelineIntegrityError(
			fmt.Sprintf("captured %d views, need at least %d", n, r.cfg.MinViews), "", scene.Entities())
	}
	return scene, captures, nil
}

// score selects views, asks the oracle and parses its reply.
func (r *run) score(ctx context.Context, index int, scene domain.SceneState, captures domain.CaptureSet) (*domain.OracleResponse, error) {
	selection := r.policy.Select(views.Input{
		Iteration:         index,
		PreviousScore:     r.previousScore(),
		ScoreHistory:      slices.Clone(r.scores),
		EntityCount:       len(scene),
		ShotType:          domain.ShotType(r.cfg.Scene.Shot),
		Complexity:        domain.Complexity(r.cfg.Scene.Complexity),
		Available:         captures,
		HasReferenceDepth: r.req.ReferenceDepth != nil,
		Hero:              r.cfg.Hero(),
		MaxImages:         r.maxImages,
	})
	r.selection = &selection
	r.artifact.Selection = selection
	r.log.Debug("views selected", "iteration", index, "selection", views.Describe(selection), "rationale", selection.Rationale)

	camera := r.cameraBase(scene)
	prompt, err := r.prompts.Build(codec.PromptInput{
		Scene:     scene,
		Roster:    r.cfg.Scene.Roster,
		Camera:    camera,
		Mode:      r.mode,
		Shot:      domain.ShotType(r.cfg.Scene.Shot),
		Selection: selection,
		Iteration: index,
		History:   r.ckpt.History(),
	})
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}
	r.prompt = prompt.User
	r.artifact.Prompt = prompt.System + "\n\n" + prompt.User

	req := r.buildRequest(selection, captures, prompt)
	res, err := r.deps.Oracle.Analyze(ctx, req)
	r.calls++
	r.maybeResetCache(ctx)
	if err != nil {
		return nil, err
	}
	r.raw = res.Text
	r.cost = res.Usage.CostUSD
	r.artifact.RawText = res.Text
	r.artifact.CostUSD = res.Usage.CostUSD

	parser := codec.NewParser(codec.ParserConfig{Mode: r.mode, CameraTransform: camera, Logger: r.log})
	resp, err := parser.Parse(res.Text, scene, r.cfg.Scene.Roster)
	if err != nil {
		return nil, err
	}
	resp.Usage = res.Usage
	resp.Provider = res.Provider
	resp.Model = res.Model
	r.scores = append(r.scores, resp.MatchScore)

	r.artifact.Score = resp.MatchScore
	r.artifact.Adjustments = resp.Adjustments
	r.artifact.Camera = resp.Camera
	r.log.Info("iteration scored",
		"iteration", index,
		"score", resp.MatchScore,
		"strategy", selection.Strategy,
		"images", req.ImageCount(),
		"adjustments", len(resp.Adjustments),
		"cost_usd", resp.Usage.CostUSD,
		"cached", res.Cached,
	)
	return resp, nil
}

func (r *run) buildRequest(selection domain.ViewSelection, captures domain.CaptureSet, prompt codec.Prompt) domain.OracleRequest {
	req := domain.OracleRequest{
		Reference:       r.req.Reference,
		Prompt:          prompt.User,
		System:          prompt.System,
		Temperature:     r.cfg.Provider.Temperature,
		Mode:            r.mode,
		MaxImages:       r.maxImages,
		MaxOutputTokens: r.cfg.Provider.MaxOutputTokens,
		ResponseSchema:  r.schema,
	}
	if selection.ReferenceDepth && r.req.ReferenceDepth != nil {
		depth := *r.req.ReferenceDepth
		req.ReferenceDepth = &depth
	}
	hero := r.cfg.Hero()
	for _, id := range selection.RGBViews {
		img, ok := captures.Views[id]
		if !ok {
			continue
		}
		view := domain.ViewImage{ID: id, Image: img, HighDetail: id == hero}
		if slices.Contains(selection.DepthViews, id) {
			if depth, ok := captures.Depth[id]; ok {
				view.Depth = &depth
			}
		}
		req.Views = append(req.Views, view)
	}
	return req
}

// fatal reports whether an oracle or parse failure ends the run. Transient
// provider errors and unusable replies become failed iterations; missing or
// rejected credentials, an exhausted budget, cancellation and anything that
// is not an oracle failure abort.
func (r *run) fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, ports.ErrBudgetExceeded) {
		return true
	}
	var oe *ports.OracleError
	if errors.As(err, &oe) {
		return oe.Class() == ports.ClassCredential
	}
	return !errors.Is(err, ports.ErrMalformedResponse)
}

func (r *run) maybeResetCache(ctx context.Context) {
	every := r.cfg.Cache.ResetEvery
	if r.deps.Cache == nil || every <= 0 || r.calls%every != 0 {
		return
	}
	if err := r.deps.Cache.Clear(ctx); err != nil {
		r.log.Warn("failed to reset analysis cache", "error", err)
		return
	}
	r.log.Debug("analysis cache reset", "oracle_calls", r.calls)
}

// apply writes every adjustment and the camera placement, then verifies
// the entity writes against a fresh read.
func (r *run) apply(ctx context.Context, resp *domain.OracleResponse) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run cancelled: %w", err)
	}
	live, err := r.deps.Renderer.ReadTransforms(ctx)
	if err != nil {
		return nil, fmt.Errorf("read transforms: %w", err)
	}
	r.live = live
	bindings := live.Entities()

	targets := make(domain.SceneState, len(resp.Adjustments))
	order := make([]string, 0, len(resp.Adjustments))
	for _, adj := range resp.Adjustments {
		current, ok := live[adj.Entity]
		if !ok {
			return nil, domain.NewPipelineIntegrityError("adjusted entity has no live binding", adj.Entity, bindings)
		}
		next := adj.Apply(current, r.mode)
		if !next.IsFinite() {
			return nil, domain.NewPipelineIntegrityError("adjustment produced a non-finite transform", adj.Entity, bindings)
		}
		targets[adj.Entity] = next
		order = append(order, adj.Entity)
	}

	applied := make([]string, 0, len(order)+1)
	for _, name := range order {
		if err := r.write(ctx, name, targets[name], bindings); err != nil {
			return applied, err
		}
		applied = append(applied, name)
	}

	if cam, ok := r.cameraTarget(resp.Camera, live, targets); ok {
		if err := r.deps.Renderer.SetCamera(ctx, cam); err != nil {
			return applied, fmt.Errorf("set camera: %w", err)
		}
		r.camera = &cam
		applied = append(applied, codec.CameraEntity)
	}

	return applied, r.verify(ctx, targets)
}

// writeScene writes every entity of state and verifies the result.
func (r *run) writeScene(ctx context.Context, state domain.SceneState) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run cancelled: %w", err)
	}
	bindings := r.live.Entities()
	for _, name := range state.Entities() {
		if err := r.write(ctx, name, state[name], bindings); err != nil {
			return err
		}
	}
	return r.verify(ctx, state)
}

// restoreBest writes back the entities whose live transform differs from
// the best state, then the camera placement the best state was captured
// with. Without checkpointing the live scene is left alone.
func (r *run) restoreBest(ctx context.Context) error {
	if !r.ckpt.Enabled() || !r.ckpt.HasScore() {
		return nil
	}
	live, err := r.deps.Renderer.ReadTransforms(ctx)
	if err != nil {
		return fmt.Errorf("read transforms: %w", err)
	}
	r.live = live
	best := r.ckpt.BestState()
	drifted := make(domain.SceneState)
	for name, t := range best {
		if cur, ok := live[name]; !ok || !cur.ApproxEqual(t, verifyTolerance) {
			drifted[name] = t
		}
	}
	if len(drifted) > 0 {
		r.log.Info("restoring best state", "entities", drifted.Entities(), "best_score", r.ckpt.BestScore())
		if err := r.writeScene(ctx, drifted); err != nil {
			return err
		}
	}
	return r.restoreCamera(ctx)
}

// restoreCamera puts back the placement the best state was captured with.
// A camera bound to an entity is part of the scene and needs nothing here.
func (r *run) restoreCamera(ctx context.Context) error {
	if r.cfg.Camera.Entity != "" || r.camera == nil {
		return nil
	}
	if r.bestCamera == nil {
		r.log.Warn("best state was captured with the renderer's original camera, leaving camera in place")
		return nil
	}
	if r.camera.ApproxEqual(*r.bestCamera, verifyTolerance) {
		return nil
	}
	best := *r.bestCamera
	if err := r.deps.Renderer.SetCamera(ctx, best); err != nil {
		return fmt.Errorf("set camera: %w", err)
	}
	r.camera = &best
	r.log.Info("restored camera placement", "position", best.Position, "rotation", best.Rotation)
	return nil
}

func (r *run) write(ctx context.Context, entity string, t domain.Transform, bindings []string) error {
	err := r.deps.Renderer.WriteTransform(ctx, entity, t)
	if errors.Is(err, ports.ErrBindingNotFound) {
		return domain.NewPipelineIntegrityError("renderer has no binding for entity", entity, bindings)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", entity, err)
	}
	return nil
}

// verify reads the scene back and checks every expected transform.
func (r *run) verify(ctx context.Context, expected domain.SceneState) error {
	if len(expected) == 0 {
		return nil
	}
	actual, err := r.deps.Renderer.ReadTransforms(ctx)
	if err != nil {
		return fmt.Errorf("read back transforms: %w", err)
	}
	r.live = actual
	bindings := actual.Entities()
	for _, name := range expected.Entities() {
		want := expected[name]
		got, ok := actual[name]
		if !ok {
			return domain.NewPipelineIntegrityError("entity binding lost after write", name, bindings)
		}
		if !got.ApproxEqual(want, verifyTolerance) {
			e := domain.NewPipelineIntegrityError("read-back does not match written transform", name, bindings)
			e.Expected, e.Actual = &want, &got
			return e
		}
	}
	return nil
}

func (r *run) previousScore() *int {
	if len(r.scores) == 0 {
		return nil
	}
	s := r.scores[len(r.scores)-1]
	return &s
}

// stopCondition checks convergence, oscillation and the iteration limit,
// in that order.
func (r *run) stopCondition(index int, it domain.Iteration) (domain.TerminalState, string) {
	if !it.Failed() && it.RawScore() >= r.cfg.SuccessThreshold {
		return domain.TerminalConverged, fmt.Sprintf("score %d reached threshold %d", it.RawScore(), r.cfg.SuccessThreshold)
	}
	if oscillating(r.scores, r.cfg.OscillationThreshold) {
		return domain.TerminalOscillating, fmt.Sprintf("scores alternating: %v", r.scores[len(r.scores)-4:])
	}
	if index >= r.cfg.MaxIterations {
		return domain.TerminalMaxIterations, fmt.Sprintf("reached %d iterations", r.cfg.MaxIterations)
	}
	return "", ""
}

// oscillating reports whether the last four scores alternate between two
// values more than threshold apart.
func oscillating(scores []int, threshold int) bool {
	if len(scores) < 4 {
		return false
	}
	s := scores[len(scores)-4:]
	return s[0] == s[2] && s[1] == s[3] && abs(s[0]-s[1]) > threshold
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// adaptMode switches a relative run to absolute positioning when two of
// the last three iterations reverted or the last three scores fell below
// the quality floor.
func (r *run) adaptMode() {
	if !r.cfg.AdaptiveMode || r.mode != domain.ModeRelative {
		return
	}
	history := r.ckpt.History()
	recent := history[max(0, len(history)-3):]
	reverted := 0
	for _, it := range recent {
		if it.Decision == domain.StatusReverted {
			reverted++
		}
	}

	var reason string
	switch {
	case reverted >= 2:
		reason = fmt.Sprintf("%d of the last %d iterations reverted", reverted, len(recent))
	case len(r.scores) >= 3 && slices.Max(r.scores[len(r.scores)-3:]) < r.cfg.LowQualityFloor:
		reason = fmt.Sprintf("last 3 scores below %d", r.cfg.LowQualityFloor)
	default:
		return
	}
	r.log.Warn("switching to absolute positioning", "reason", reason, "iteration", len(history))
	r.mode = domain.ModeAbsolute
}

// record appends it to the checkpoint history and reports it to the store,
// the observer and the artifact sink. An iteration that ended before any
// oracle call only closes its observer span; the diagnostic covers it.
func (r *run) record(ctx context.Context, it domain.Iteration, called bool) {
	if !called {
		r.deps.Observer.IterationFinished(ctx, it)
		return
	}
	r.ckpt.Record(it)

	persistCtx := context.WithoutCancel(ctx)
	if r.deps.Store != nil {
		if err := r.deps.Store.RecordIteration(persistCtx, r.id, it); err != nil {
			r.log.Warn("failed to record iteration", "iteration", it.Index, "error", err)
		}
	}
	r.deps.Observer.IterationFinished(ctx, it)

	if r.deps.Artifacts != nil {
		art := r.artifact
		art.Decision = it.Decision
		art.Failure = it.FailureReason
		if it.Failed() {
			art.Score = it.Score
			art.CostUSD = it.CostUSD
		}
		if err := r.deps.Artifacts.WriteIteration(persistCtx, r.id, art); err != nil {
			r.log.Warn("failed to write iteration artifacts", "iteration", it.Index, "error", err)
		}
	}
}

// diagnose writes a snapshot of the failing iteration.
func (r *run) diagnose(ctx context.Context, err error) {
	if r.deps.Artifacts == nil {
		return
	}
	d := ports.Diagnostic{
		RunID:     r.id,
		Iteration: r.index,
		State:     string(r.state),
		Error:     err.Error(),
		Prompt:    r.prompt,
		RawText:   r.raw,
		Selection: r.selection,
		Bindings:  r.live.Entities(),
		Scene:     r.live.Clone(),
		Timestamp: r.deps.Now(),
	}
	var pie *domain.PipelineIntegrityError
	if errors.As(err, &pie) {
		d.Entity, d.Expected, d.Actual = pie.Entity, pie.Expected, pie.Actual
		if pie.Bindings != nil {
			d.Bindings = pie.Bindings
		}
	}
	if werr := r.deps.Artifacts.WriteDiagnostic(context.WithoutCancel(ctx), r.id, d); werr != nil {
		r.log.Warn("failed to write diagnostic", "error", werr)
	}
}

type noopObserver struct{}

func (noopObserver) RunStarted(ctx context.Context, _ ports.RunRecord) context.Context {
	return ctx
}

func (noopObserver) IterationStarted(ctx context.Context, _ int) context.Context {
	return ctx
}

func (noopObserver) IterationFinished(context.Context, domain.Iteration) {}

func (noopObserver) RunFinished(context.Context, ports.RunSummary, error) {}
