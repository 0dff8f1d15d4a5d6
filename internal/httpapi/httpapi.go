// Package httpapi is YAK's wire surface (§6): produce/consume for clients,
// push/pull for replication, and metadata/health for operators. Grounded on
// kafka-pixy's proxy.go, the closest pack precedent for fronting a
// Kafka-like broker with a plain net/http + gorilla/mux router instead of a
// binary protocol.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	opentracing "github.com/opentracing/opentracing-go"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/broker"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/replication"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/storage"
)

// Server serves YAK's HTTP API over a *broker.Broker.
type Server struct {
	b      *broker.Broker
	logger *logging.Logger
	tracer opentracing.Tracer
	router *mux.Router
}

// New builds a Server with all routes registered.
func New(b *broker.Broker, tracer opentracing.Tracer, logger *logging.Logger) *Server {
	s := &Server{b: b, logger: logger, tracer: tracer, router: mux.NewRouter()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/register_topic", s.handleRegisterTopic).Methods(http.MethodPost)
	s.router.HandleFunc("/produce", s.handleProduce).Methods(http.MethodPost)
	s.router.HandleFunc("/consume", s.handleConsume).Methods(http.MethodGet)
	s.router.HandleFunc("/replicate/push", s.handleReplicatePush).Methods(http.MethodPost)
	s.router.HandleFunc("/replicate/pull", s.handleReplicatePull).Methods(http.MethodGet)
	s.router.HandleFunc("/metadata/leader", s.handleMetadataLeader).Methods(http.MethodGet)
	s.router.HandleFunc("/metadata/brokers", s.handleMetadataBrokers).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// errorBody is the JSON error shape of this server's non-2xx responses
// (§6/§7 error tables), except the 307 redirect (leaderPointer) and the 416
// push mismatch (replication.ErrorBody).
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// leaderPointer is §6's `{leader:{host,port}}` body carried on a 307.
type leaderPointer struct {
	Leader struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"leader"`
}

// redirectToLeader implements §6's "307 redirect to the known leader" for
// write paths attempted against a follower.
func (s *Server) redirectToLeader(w http.ResponseWriter, r *http.Request) {
	info, ok := s.b.KnownLeader()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "NO_LEADER", "no leader currently known")
		return
	}
	target := "http://" + info.Host + ":" + strconv.Itoa(info.Port) + r.URL.RequestURI()
	w.Header().Set("Location", target)
	var body leaderPointer
	body.Leader.Host = info.Host
	body.Leader.Port = info.Port
	writeJSON(w, http.StatusTemporaryRedirect, body)
}

type registerTopicRequest struct {
	Topic string `json:"topic"`
}

func (s *Server) handleRegisterTopic(w http.ResponseWriter, r *http.Request) {
	var req registerTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing topic")
		return
	}
	if err := s.b.RegisterTopic(req.Topic); err != nil {
		if err == broker.ErrTopicExists {
			writeError(w, http.StatusConflict, "TOPIC_EXISTS", "topic already registered")
			return
		}
		s.logger.Error("register_topic failed", logging.String("topic", req.Topic), logging.Error("error", err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"topic": req.Topic})
}

type produceRequest struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

type produceResponse struct {
	Offset uint64 `json:"offset"`
	HWM    uint64 `json:"hwm"`
}

func (s *Server) handleProduce(w http.ResponseWriter, r *http.Request) {
	var req produceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing topic or message")
		return
	}
	offset, hwm, err := s.b.Produce(req.Topic, req.Message)
	var notLeader broker.NotLeaderError
	var invalidLease broker.InvalidLeaseError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, produceResponse{Offset: offset, HWM: hwm})
	case errors.As(err, &notLeader):
		s.redirectToLeader(w, r)
	case errors.As(err, &invalidLease):
		// §4.5: "any operation that mutates state checks the current lease
		// epoch at entry and rejects with 409 if it has changed."
		writeError(w, http.StatusConflict, "EPOCH_STALE", "lease fenced or lost during append")
	case err == broker.ErrNoSuchTopic:
		writeError(w, http.StatusNotFound, "NO_SUCH_TOPIC", "topic not registered")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

type consumeResponse struct {
	Messages        []storage.Record `json:"messages"`
	HWM             uint64           `json:"hwm"`
	TotalAvailable  uint64           `json:"total_available"`
	RequestedOffset uint64           `json:"requested_offset"`
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing topic")
		return
	}
	offset, err := strconv.ParseUint(r.URL.Query().Get("offset"), 10, 64)
	if err != nil {
		offset = 0
	}
	res, err := s.b.Consume(topic, offset)
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, consumeResponse{
			Messages:        res.Messages,
			HWM:             res.HWM,
			TotalAvailable:  res.TotalAvailable,
			RequestedOffset: res.RequestedOffset,
		})
	case broker.ErrNoSuchTopic:
		writeError(w, http.StatusNotFound, "NO_SUCH_TOPIC", "topic not registered")
	case storage.ErrOutOfRange:
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "OUT_OF_RANGE", "offset beyond hwm")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func (s *Server) handleReplicatePush(w http.ResponseWriter, r *http.Request) {
	var req replication.AppendReplicaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed push body")
		return
	}
	resp, mismatch, code := s.b.ApplyReplicaPush(req)
	switch {
	case code == replication.ErrEpochStale:
		writeError(w, http.StatusConflict, string(replication.ErrEpochStale), "epoch is stale")
	case code == replication.ErrNoSuchTopic:
		writeError(w, http.StatusNotFound, string(replication.ErrNoSuchTopic), "topic not registered")
	case mismatch != nil:
		writeJSON(w, http.StatusRequestedRangeNotSatisfiable, replication.ErrorBody{
			Code: replication.ErrOffsetMismatch, Message: "log diverged", Mismatch: mismatch,
		})
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleReplicatePull(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing topic")
		return
	}
	from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)

	if !s.b.IsLeader() {
		writeError(w, http.StatusConflict, string(replication.ErrNotLeader), "not the leader")
		return
	}
	pr, err := s.b.HandleReplicaPull(topic, from)
	if err != nil {
		writeError(w, http.StatusNotFound, string(replication.ErrNoSuchTopic), "topic not registered")
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

func (s *Server) handleMetadataLeader(w http.ResponseWriter, r *http.Request) {
	info, ok := s.b.KnownLeader()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "NO_LEADER", "no leader currently known")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleMetadataBrokers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"brokers": s.b.Members()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	role, epoch, topics := s.b.Health()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"role":   role,
		"epoch":  epoch,
		"topics": topics,
	})
}
