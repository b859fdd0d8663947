// Package service exposes a small HTTP API over the running client: the
// current epoch, membership and gossip sample, plus traffic metrics. The
// reactor publishes snapshots; HTTP handlers only ever read snapshots, so
// the protocol state itself is never touched off the reactor goroutine.
package service

import (
	"bytes"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// Stats is the snapshot served by /stats.
type Stats struct {
	Identity   string
	Epoch      uint64
	Members    []string
	SampleSize int

	FramesIn  int
	FramesOut int

	FrameSizeMean   float64
	FrameSizeStdDev float64
}

// Service serves the snapshots over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	logger      *logrus.Entry

	last    Stats
	metrics *Metrics
}

// NewService registers the API handlers on the DefaultServeMux. Serve
// starts the listener; when another server already serves on the same mux
// and address, calling Serve is not necessary.
func NewService(bindAddress string, metrics *Metrics, logger *logrus.Entry) *Service {
	s := &Service{
		bindAddress: bindAddress,
		logger:      logger.WithField("prefix", "service"),
		metrics:     metrics,
	}

	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))

	return s
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve starts the HTTP listener. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Info("Serving API")

	if err := http.ListenAndServe(s.bindAddress, nil); err != nil {
		s.logger.WithError(err).Error("API service failed")
	}
}

// Publish stores a fresh snapshot. Called from the reactor.
func (s *Service) Publish(stats Stats) {
	s.Lock()
	defer s.Unlock()
	s.last = stats
}

// GetStats returns the latest snapshot merged with traffic metrics, as
// canonical JSON.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.last
	if s.metrics != nil {
		in, out, mean, stddev := s.metrics.Snapshot()
		stats.FramesIn = in
		stats.FramesOut = out
		stats.FrameSizeMean = mean
		stats.FrameSizeStdDev = stddev
	}

	writeCanonicalJSON(w, s.logger, stats)
}

// GetPeers returns the current member list.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	writeCanonicalJSON(w, s.logger, s.last.Members)
}

func writeCanonicalJSON(w http.ResponseWriter, logger *logrus.Entry, v interface{}) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		logger.WithError(err).Error("Encoding response failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}
