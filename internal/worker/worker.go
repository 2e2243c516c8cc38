package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"google.golang.org/protobuf/proto"

	"github.com/LastBotInc/coralie-captions-worker/internal/config"
	"github.com/LastBotInc/coralie-captions-worker/internal/job"
	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
	"github.com/LastBotInc/coralie-captions-worker/internal/transcribe"
	"github.com/LastBotInc/coralie-captions-worker/internal/translate"
	"github.com/LastBotInc/coralie-captions-worker/internal/version"
)

// RunFunc runs one assigned job until ctx is cancelled.
type RunFunc func(ctx context.Context, assignment *livekit.JobAssignment, serverURL string) error

// Worker represents the LiveKit agent worker.
type Worker struct {
	cfg    *config.Config
	runJob RunFunc

	conn     *websocket.Conn
	connMu   sync.Mutex
	writeMu  sync.Mutex
	workerID string

	mu          sync.RWMutex
	activeJobs  map[string]*JobRunner
	draining    bool
	currentLoad float32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// JobRunner represents a running job.
type JobRunner struct {
	JobID     string
	RoomName  string
	StartedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewWorker creates a worker whose jobs share one recognizer and one chat model.
func NewWorker(cfg *config.Config) (*Worker, error) {
	ctx, cancel := context.WithCancel(context.Background())

	recognizer, err := transcribe.NewRecognizer(ctx, cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create recognizer: %w", err)
	}
	model, err := translate.NewModel(cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create translation model: %w", err)
	}

	run := func(ctx context.Context, assign *livekit.JobAssignment, serverURL string) error {
		j := &job.Job{
			JobID:      assign.Job.Id,
			RoomName:   assign.Job.GetRoom().GetName(),
			Token:      assign.Token,
			URL:        serverURL,
			Config:     cfg,
			Recognizer: recognizer,
			Model:      model,
		}
		return j.Run(ctx)
	}

	w := newWorker(ctx, cancel, cfg, run)
	logging.Info(logging.CategoryWorker, "worker initialized stt=%s translation=%s identity=%s", recognizer.Name(), cfg.TranslationProvider, cfg.AgentIdentity)
	return w, nil
}

func newWorker(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, run RunFunc) *Worker {
	return &Worker{
		cfg:        cfg,
		runJob:     run,
		activeJobs: make(map[string]*JobRunner),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start connects to LiveKit and serves jobs until SIGTERM/SIGINT or the
// connection drops, then drains active jobs.
func (w *Worker) Start() error {
	if err := w.connect(); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.messageLoop()
	go w.loadReporter()
	if w.cfg.PProfAddr != "" {
		w.wg.Add(1)
		go w.startPProf()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		logging.Info(logging.CategoryWorker, "received OS shutdown signal, starting drain")
	case <-w.ctx.Done():
		logging.Info(logging.CategoryWorker, "received shutdown from context, starting drain")
	}

	w.drain()
	w.shutdown()
	return nil
}

// connect dials the agent endpoint and registers the worker.
func (w *Worker) connect() error {
	token, err := w.buildWorkerToken()
	if err != nil {
		return fmt.Errorf("build worker token: %w", err)
	}

	wsURL, err := w.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket URL: %w", err)
	}

	logging.Info(logging.CategoryWorker, "connecting to LiveKit agent endpoint url=%s", wsURL)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(w.ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer resp.Body.Close()

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
	logging.Info(logging.CategoryWorker, "connected to LiveKit agent endpoint status=%d", resp.StatusCode)

	if err := w.register(); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// drain reports the worker full, then gives running jobs DrainTimeout to end
// on their own before cancelling them.
func (w *Worker) drain() {
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()
	w.updateLoad()

	logging.Info(logging.CategoryWorker, "draining active jobs timeout=%v", w.cfg.DrainTimeout)
	if waitJobs(w.snapshotJobs(false), w.cfg.DrainTimeout) {
		logging.Info(logging.CategoryWorker, "all jobs completed")
		return
	}

	logging.Warning(logging.CategoryWorker, "drain timeout exceeded, cancelling jobs")
	if waitJobs(w.snapshotJobs(true), 2*time.Second) {
		logging.Info(logging.CategoryWorker, "all jobs cancelled and exited")
	} else {
		logging.Warning(logging.CategoryWorker, "timeout waiting for jobs to exit after cancellation")
	}
}

func (w *Worker) shutdown() {
	w.cancel()

	w.connMu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connMu.Unlock()

	shutdownDone := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		logging.Info(logging.CategoryWorker, "worker shutdown complete")
	case <-time.After(5 * time.Second):
		logging.Warning(logging.CategoryWorker, "worker shutdown timeout, some goroutines may not have exited cleanly")
	}
}

func (w *Worker) buildWorkerToken() (string, error) {
	at := auth.NewAccessToken(w.cfg.LiveKitAPIKey, w.cfg.LiveKitAPISecret)
	grant := &auth.VideoGrant{
		Agent: true,
	}
	at.AddGrant(grant)
	return at.ToJWT()
}

func (w *Worker) buildWSURL() (string, error) {
	u, err := url.Parse(w.cfg.LiveKitURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	u.Path = "/agent"
	return u.String(), nil
}

func (w *Worker) register() error {
	req := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_Register{
			Register: &livekit.RegisterWorkerRequest{
				Type:      w.cfg.JobType,
				Version:   version.Version,
				Namespace: &w.cfg.Namespace,
			},
		},
	}

	if w.cfg.AgentName != "" {
		req.GetRegister().AgentName = w.cfg.AgentName
	}

	if err := w.writeMessage(req); err != nil {
		return fmt.Errorf("write register request: %w", err)
	}

	logging.Info(logging.CategoryWorker, "sent worker registration jobType=%v agentName=%s namespace=%s", w.cfg.JobType, w.cfg.AgentName, w.cfg.Namespace)

	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket connection closed")
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	for {
		msg, err := w.readMessage()
		if err != nil {
			return fmt.Errorf("read registration response: %w", err)
		}
		if regResp := msg.GetRegister(); regResp != nil {
			w.workerID = regResp.WorkerId
			logging.Success(logging.CategoryWorker, "worker registered workerID=%s", w.workerID)
			return nil
		}
	}
}

func (w *Worker) messageLoop() {
	defer w.wg.Done()

	for {
		msg, err := w.readMessage()
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Info(logging.CategoryWorker, "websocket connection closed, shutting down: %v", err)
			} else {
				logging.Error(logging.CategoryWorker, "websocket read error, shutting down: %v", err)
			}
			w.cancel()
			return
		}

		if err := w.handleMessage(msg); err != nil {
			logging.Error(logging.CategoryWorker, "handle message error: %v", err)
		}
	}
}

func (w *Worker) handleMessage(msg *livekit.ServerMessage) error {
	switch m := msg.Message.(type) {
	case *livekit.ServerMessage_Availability:
		return w.handleAvailability(m.Availability)
	case *livekit.ServerMessage_Assignment:
		return w.handleAssignment(m.Assignment)
	case *livekit.ServerMessage_Pong:
		return nil
	case *livekit.ServerMessage_Termination:
		return w.handleTermination(m.Termination)
	default:
		logging.Debug(logging.CategoryWorker, "unhandled message type=%T", m)
		return nil
	}
}

func (w *Worker) handleAvailability(req *livekit.AvailabilityRequest) error {
	jobAssignment := req.Job
	jobID := jobAssignment.Id

	logging.Info(logging.CategoryWorker, "received availability request jobID=%s room=%s", jobID, jobAssignment.GetRoom().GetName())

	w.mu.RLock()
	draining := w.draining
	activeCount := len(w.activeJobs)
	w.mu.RUnlock()

	available := !draining && activeCount < w.cfg.MaxConcurrentJobs

	participantName := "Coralie Captions"
	if w.cfg.AgentName != "" {
		participantName = w.cfg.AgentName
	}

	// Clients address RPC calls to this identity, so it is the same in every room.
	resp := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_Availability{
			Availability: &livekit.AvailabilityResponse{
				JobId:               jobID,
				Available:           available,
				ParticipantIdentity: w.cfg.AgentIdentity,
				ParticipantName:     participantName,
			},
		},
	}

	if err := w.writeMessage(resp); err != nil {
		return fmt.Errorf("write availability response: %w", err)
	}

	if available {
		logging.Info(logging.CategoryWorker, "accepted job jobID=%s", jobID)
	} else {
		logging.Info(logging.CategoryWorker, "rejected job jobID=%s reason=draining or at capacity", jobID)
	}

	return nil
}

func (w *Worker) handleAssignment(assign *livekit.JobAssignment) error {
	jobAssignment := assign.Job
	jobID := jobAssignment.Id
	roomName := jobAssignment.GetRoom().GetName()

	logging.Info(logging.CategoryWorker, "received job assignment jobID=%s room=%s", jobID, roomName)

	serverURL := w.cfg.LiveKitURL
	if u := assign.GetUrl(); u != "" {
		serverURL = u
	}

	ctx, cancel := context.WithCancel(w.ctx)
	jobRunner := &JobRunner{
		JobID:     jobID,
		RoomName:  roomName,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	w.mu.Lock()
	w.activeJobs[jobID] = jobRunner
	w.mu.Unlock()

	jobRunner.wg.Add(1)
	go func() {
		defer jobRunner.wg.Done()
		defer cancel()

		err := w.runJob(ctx, assign, serverURL)
		if err != nil {
			logging.Error(logging.CategoryJob, "job process exited with error jobID=%s: %v", jobID, err)
		} else {
			logging.Info(logging.CategoryJob, "job process completed jobID=%s duration=%s", jobID, time.Since(jobRunner.StartedAt).Round(time.Second))
		}

		status := livekit.JobStatus_JS_SUCCESS
		if err != nil {
			status = livekit.JobStatus_JS_FAILED
		}

		update := &livekit.WorkerMessage{
			Message: &livekit.WorkerMessage_UpdateJob{
				UpdateJob: &livekit.UpdateJobStatus{
					JobId:  jobID,
					Status: status,
					Error:  errString(err),
				},
			},
		}

		if err := w.writeMessage(update); err != nil {
			logging.Warning(logging.CategoryWorker, "failed to update job status jobID=%s: %v", jobID, err)
		}

		w.mu.Lock()
		delete(w.activeJobs, jobID)
		w.mu.Unlock()
	}()

	return nil
}

func (w *Worker) handleTermination(term *livekit.JobTermination) error {
	jobID := term.JobId
	logging.Info(logging.CategoryWorker, "received job termination jobID=%s", jobID)

	w.mu.RLock()
	jobRunner, ok := w.activeJobs[jobID]
	w.mu.RUnlock()

	if !ok {
		logging.Warning(logging.CategoryWorker, "termination for unknown job jobID=%s", jobID)
		return nil
	}

	jobRunner.cancel()
	return nil
}

func (w *Worker) loadReporter() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.LoadUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.connMu.Lock()
			conn := w.conn
			w.connMu.Unlock()

			if conn == nil {
				return
			}

			w.updateLoad()
		}
	}
}

// loadFor returns the load reported for active jobs out of maxJobs, in [0, 1].
func loadFor(active, maxJobs int) float32 {
	if maxJobs <= 0 {
		return 1
	}
	load := float32(active) / float32(maxJobs)
	if load > 1.0 {
		load = 1.0
	}
	if load < 0.0 {
		load = 0.0
	}
	return load
}

func (w *Worker) updateLoad() {
	w.mu.Lock()
	load := loadFor(len(w.activeJobs), w.cfg.MaxConcurrentJobs)
	w.currentLoad = load
	draining := w.draining
	w.mu.Unlock()

	status := livekit.WorkerStatus_WS_AVAILABLE
	if draining || load >= 1 {
		status = livekit.WorkerStatus_WS_FULL
	}

	update := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_UpdateWorker{
			UpdateWorker: &livekit.UpdateWorkerStatus{
				Status: &status,
				Load:   load,
			},
		},
	}

	if err := w.writeMessage(update); err != nil {
		if errors.Is(err, errConnClosed) {
			logging.Debug(logging.CategoryWorker, "connection closed, skipping load update")
			return
		}
		logging.Error(logging.CategoryWorker, "failed to update worker status: %v", err)
	}
}

var errConnClosed = errors.New("websocket connection is closed")

func (w *Worker) readMessage() (*livekit.ServerMessage, error) {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()

	if conn == nil {
		return nil, errConnClosed
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	msg := &livekit.ServerMessage{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}

	return msg, nil
}

// writeMessage serializes writes; job goroutines and the load reporter share the connection.
func (w *Worker) writeMessage(msg *livekit.WorkerMessage) error {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()

	if conn == nil {
		return errConnClosed
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// snapshotJobs returns the active jobs, cancelling each when cancel is set.
func (w *Worker) snapshotJobs(cancel bool) []*JobRunner {
	w.mu.RLock()
	defer w.mu.RUnlock()
	jobs := make([]*JobRunner, 0, len(w.activeJobs))
	for _, jr := range w.activeJobs {
		if cancel {
			jr.cancel()
		}
		jobs = append(jobs, jr)
	}
	return jobs
}

// waitJobs reports whether every job returned within timeout.
func waitJobs(jobs []*JobRunner, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		for _, jr := range jobs {
			jr.wg.Wait()
		}
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (w *Worker) startPProf() {
	defer w.wg.Done()

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", func(w http.ResponseWriter, r *http.Request) {
		http.DefaultServeMux.ServeHTTP(w, r)
	})

	server := &http.Server{
		Addr:    w.cfg.PProfAddr,
		Handler: mux,
	}

	go func() {
		<-w.ctx.Done()
		server.Shutdown(context.Background())
	}()

	logging.Info(logging.CategoryWorker, "starting pprof server addr=%s", w.cfg.PProfAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error(logging.CategoryWorker, "pprof server error: %v", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
