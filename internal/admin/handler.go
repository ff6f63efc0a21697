package admin

import (
	"crypto/x509"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/backup"
	"github.com/longyi-brownie/brownie-metadata-database/internal/certauth"
	"github.com/longyi-brownie/brownie-metadata-database/internal/errors"
	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
	"github.com/longyi-brownie/brownie-metadata-database/internal/router"
	"github.com/longyi-brownie/brownie-metadata-database/internal/store"
)

// Handler exposes the administrative operations of the metadata core:
// routing lookups, tenant migrations and backup/restore orchestration.
// Every request passes through the certificate gate first.
type Handler struct {
	authenticator *certauth.Authenticator
	router        *router.Router
	migrator      *router.Migrator
	coordinator   *backup.Coordinator
	logger        *zap.Logger
}

// NewHandler creates an admin handler
func NewHandler(
	authenticator *certauth.Authenticator,
	rt *router.Router,
	migrator *router.Migrator,
	coordinator *backup.Coordinator,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		authenticator: authenticator,
		router:        rt,
		migrator:      migrator,
		coordinator:   coordinator,
		logger:        logger,
	}
}

// Register mounts the admin routes
func (h *Handler) Register(r *mux.Router) {
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(h.authenticated)

	admin.HandleFunc("/route", h.handleRoute).Methods(http.MethodGet)
	admin.HandleFunc("/migrations", h.handleMigrate).Methods(http.MethodPost)
	admin.HandleFunc("/migrations/{migration_id}/resume", h.handleResume).Methods(http.MethodPost)
	admin.HandleFunc("/migrations/{migration_id}/complete-drain", h.handleCompleteDrain).Methods(http.MethodPost)
	admin.HandleFunc("/backups", h.handleCreateBackup).Methods(http.MethodPost)
	admin.HandleFunc("/backups", h.handleListBackups).Methods(http.MethodGet)
	admin.HandleFunc("/backups/{artifact_id}/verify", h.handleVerifyBackup).Methods(http.MethodPost)
	admin.HandleFunc("/restores", h.handleRestore).Methods(http.MethodPost)
}

// authenticated authenticates the connection before invoking the route. The
// presented chain comes from mutual TLS when configured; plaintext
// connections carry no chain and fall under the trusted-network rule.
func (h *Handler) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var chain [][]byte
		if r.TLS != nil {
			chain = peerChain(r.TLS.PeerCertificates)
		}

		principal, err := h.authenticator.Authenticate(chain, r.RemoteAddr)
		if err != nil {
			h.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(model.WithPrincipal(r.Context(), principal)))
	})
}

func (h *Handler) handleRoute(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		h.writeError(w, errors.InvalidArgument("tenant_id is required", nil))
		return
	}

	partition, err := h.router.Route(tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"tenant_id":    tenantID,
		"partition_id": partition.PartitionID,
		"state":        string(partition.State),
	})
}

func (h *Handler) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID      string `json:"tenant_id"`
		DestPartition string `json:"dest_partition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidArgument("invalid request body", err))
		return
	}
	if req.TenantID == "" || req.DestPartition == "" {
		h.writeError(w, errors.InvalidArgument("tenant_id and dest_partition are required", nil))
		return
	}

	h.logger.Info("Migration requested",
		zap.String("tenant_id", req.TenantID),
		zap.String("dest_partition", req.DestPartition),
		zap.String("principal", principalName(r)))

	migration, err := h.migrator.MigrateTenant(r.Context(), req.TenantID, req.DestPartition)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, migration)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	migrationID := mux.Vars(r)["migration_id"]

	migration, err := h.migrator.ResumeMigration(r.Context(), migrationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, migration)
}

func (h *Handler) handleCompleteDrain(w http.ResponseWriter, r *http.Request) {
	migrationID := mux.Vars(r)["migration_id"]

	if err := h.migrator.CompleteDrain(r.Context(), migrationID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "drained"})
}

func (h *Handler) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduleID   string   `json:"schedule_id"`
		PartitionIDs []string `json:"partition_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScheduleID == "" {
		h.writeError(w, errors.InvalidArgument("schedule_id is required", err))
		return
	}

	h.logger.Info("Backup requested",
		zap.String("schedule_id", req.ScheduleID),
		zap.Strings("partition_ids", req.PartitionIDs),
		zap.String("principal", principalName(r)))

	artifact, err := h.coordinator.CreateBackup(r.Context(), req.ScheduleID, req.PartitionIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, artifact)
}

func (h *Handler) handleListBackups(w http.ResponseWriter, r *http.Request) {
	filter := store.ArtifactFilter{
		ScheduleID: r.URL.Query().Get("schedule_id"),
		Status:     model.ArtifactStatus(r.URL.Query().Get("status")),
	}
	if before := r.URL.Query().Get("created_before"); before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			h.writeError(w, errors.InvalidArgument("created_before must be RFC3339", err))
			return
		}
		filter.CreatedBefore = t
	}

	artifacts, err := h.coordinator.ListBackups(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, artifacts)
}

func (h *Handler) handleVerifyBackup(w http.ResponseWriter, r *http.Request) {
	artifactID := mux.Vars(r)["artifact_id"]

	if err := h.coordinator.VerifyArtifact(r.Context(), artifactID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArtifactID      string `json:"artifact_id"`
		TargetPartition string `json:"target_partition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidArgument("invalid request body", err))
		return
	}
	if req.ArtifactID == "" || req.TargetPartition == "" {
		h.writeError(w, errors.InvalidArgument("artifact_id and target_partition are required", nil))
		return
	}

	h.logger.Info("Restore requested",
		zap.String("artifact_id", req.ArtifactID),
		zap.String("target_partition", req.TargetPartition),
		zap.String("principal", principalName(r)))

	job, err := h.coordinator.RestoreBackup(r.Context(), req.ArtifactID, req.TargetPartition)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps a core error onto an HTTP response carrying the
// machine-readable kind
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var coreErr *errors.CoreError
	if !stderrors.As(err, &coreErr) {
		coreErr = errors.Internal("internal error", err)
	}

	h.writeJSON(w, httpStatus(coreErr.Code), map[string]interface{}{
		"kind":    coreErr.Code.Kind(),
		"message": coreErr.Message,
		"details": coreErr.Details,
	})
}

// httpStatus maps core error codes onto HTTP statuses
func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeUntrustedChain, errors.ErrCodeCertExpired, errors.ErrCodeCertRevoked, errors.ErrCodeCredentialsRequired:
		return http.StatusUnauthorized
	case errors.ErrCodeUnknownPrincipal:
		return http.StatusForbidden
	case errors.ErrCodeUnassignedTenant, errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeMigrationConflict:
		return http.StatusConflict
	case errors.ErrCodePartitionTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCodePartitionUnavailable, errors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrCodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// principalName reads the authenticated principal installed by the middleware
func principalName(r *http.Request) string {
	if principal, ok := model.PrincipalFromContext(r.Context()); ok {
		return principal.CommonName
	}
	return ""
}

// peerChain extracts the raw DER chain from verified TLS peer certificates
func peerChain(certs []*x509.Certificate) [][]byte {
	out := make([][]byte, 0, len(certs))
	for _, cert := range certs {
		out = append(out, cert.Raw)
	}
	return out
}
