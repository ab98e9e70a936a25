package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Journal metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracker_queue_depth",
			Help: "Records waiting in each in-memory queue",
		},
		[]string{"queue"},
	)

	RecordsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_records_written_total",
			Help: "Total lines appended to session files",
		},
		[]string{"stream"},
	)

	RecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_records_dropped_total",
			Help: "Total records dropped before reaching disk",
		},
		[]string{"stream", "cause"},
	)

	// Session metrics
	SessionRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_session_rotations_total",
			Help: "Total session rotations",
		},
		[]string{"reason"},
	)

	ActiveSessionBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_active_session_bytes",
			Help: "Bytes written to the active session",
		},
	)

	// Upload metrics
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_uploads_total",
			Help: "Total session uploads by result",
		},
		[]string{"result"},
	)

	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracker_upload_duration_seconds",
			Help:    "Time to compress and upload one session",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	UploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_upload_bytes_total",
			Help: "Total archive bytes uploaded",
		},
	)

	// Capture metrics
	ScreenshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_screenshots_total",
			Help: "Total screenshots captured",
		},
	)

	InputEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_input_events_total",
			Help: "Total keyboard and mouse events captured",
		},
		[]string{"kind"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		QueueDepth,
		RecordsWritten,
		RecordsDropped,
		SessionRotations,
		ActiveSessionBytes,
		UploadsTotal,
		UploadDuration,
		UploadBytes,
		ScreenshotsTotal,
		InputEventsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start binds the listener and serves in the background. Bind errors are
// returned so a bad listen address is reported at startup.
func (s *Server) Start() error {
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.server.Addr)
		if err != nil {
			return err
		}
		s.listener = ln
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting metrics server")
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
