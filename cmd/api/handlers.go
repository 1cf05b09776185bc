package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"podtrack/auth"
	"podtrack/delivery"
	"podtrack/jobfile"
	"podtrack/tracking"
)

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Cache-Control", "no-store")

	token := strings.TrimPrefix(r.URL.Path, "/api/track/")
	view, err := s.trackingService.Track(r.Context(), token)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, newTrackResponse(view))
	case errors.Is(err, tracking.ErrTokenRequired):
		writeError(w, http.StatusBadRequest, "Tracking number is required.")
	case errors.Is(err, tracking.ErrNotAvailable):
		writeJSON(w, http.StatusOK, neutralTrackResponse())
	default:
		// The public page never learns that a lookup failed.
		s.log().Error("tracking lookup failed",
			zap.Error(err),
			zap.String("request_id", requestIDFrom(r.Context())),
		)
		writeJSON(w, http.StatusOK, neutralTrackResponse())
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req auth.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Self-service sign-up only creates drivers.
	if req.Role != "" && req.Role != auth.RoleDriver {
		_, role, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if role != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidRegistration):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		default:
			s.internalError(w, r, "register", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, newUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req auth.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		s.internalError(w, r, "login", err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: res.Token, User: newUserResponse(res.User)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	actor, _ := actorFrom(r)
	user, err := s.authService.GetUserByID(r.Context(), actor.ID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.internalError(w, r, "me", err)
		return
	}

	writeJSON(w, http.StatusOK, newUserResponse(*user))
}

func (s *Server) handleDrivers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, _ := actorFrom(r)
	if !isStaffRole(actor.Role) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	drivers, err := s.authService.ListActiveDrivers(r.Context())
	if err != nil {
		s.internalError(w, r, "list drivers", err)
		return
	}

	items := make([]userResponse, 0, len(drivers))
	for _, d := range drivers {
		items = append(items, newUserResponse(d))
	}
	writeJSON(w, http.StatusOK, driverListResponse{Items: items, Total: len(items)})
}

func (s *Server) handleJobFiles(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)

	switch r.Method {
	case http.MethodGet:
		if !isStaffRole(actor.Role) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		records, err := s.jobFileService.Search(r.Context(), r.URL.Query().Get("q"), limit)
		if err != nil {
			s.internalError(w, r, "search job files", err)
			return
		}
		if records == nil {
			records = []jobfile.Record{}
		}
		writeJSON(w, http.StatusOK, jobFileListResponse{Items: records, Total: len(records)})
	case http.MethodPost:
		if !isStaffRole(actor.Role) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		var params jobfile.CreateParams
		if err := decodeJSON(w, r, &params); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		record, err := s.jobFileService.Create(r.Context(), params)
		if err != nil {
			switch {
			case errors.Is(err, jobfile.ErrNumberRequired):
				writeError(w, http.StatusBadRequest, "job file number is required")
			case errors.Is(err, jobfile.ErrDuplicate):
				writeError(w, http.StatusConflict, "job file number already exists")
			default:
				s.internalError(w, r, "create job file", err)
			}
			return
		}
		writeJSON(w, http.StatusCreated, record)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type createDeliveryRequest struct {
	JobFileID        string `json:"jobFileId"`
	DeliveryLocation string `json:"deliveryLocation"`
	Notes            string `json:"notes"`
	DriverID         string `json:"driverId"`
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		pageSize, _ := strconv.Atoi(q.Get("pageSize"))
		res, err := s.deliveryService.List(r.Context(), actor, delivery.Filters{
			View:     q.Get("view"),
			Status:   delivery.Status(q.Get("status")),
			DriverID: q.Get("driverId"),
			Search:   q.Get("q"),
			Page:     page,
			PageSize: pageSize,
		})
		if err != nil {
			s.writeDeliveryError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newDeliveryListResponse(res))
	case http.MethodPost:
		var req createDeliveryRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		rec, err := s.deliveryService.Create(r.Context(), actor, delivery.CreateParams{
			JobFileID:        req.JobFileID,
			DeliveryLocation: req.DeliveryLocation,
			Notes:            req.Notes,
			DriverID:         req.DriverID,
		})
		if err != nil {
			s.writeDeliveryError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, newDeliveryResponse(rec))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type assignRequest struct {
	DriverID string `json:"driverId"`
}

type completeRequest struct {
	ReceiverName string   `json:"receiverName"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
}

type reasonRequest struct {
	Reason *string `json:"reason"`
}

// handleDeliveryDetail serves /api/deliveries/stats, /api/deliveries/{id}
// and /api/deliveries/{id}/{action}.
func (s *Server) handleDeliveryDetail(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/deliveries/"), "/")
	parts := strings.Split(rest, "/")

	if len(parts) == 1 && parts[0] == "stats" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		stats, err := s.deliveryService.Stats(r.Context(), actor)
		if err != nil {
			s.writeDeliveryError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, statsResponse{Pending: stats.Pending, Completed: stats.Completed, Total: stats.Total})
		return
	}

	if parts[0] == "" || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	deliveryID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rec, err := s.deliveryService.Get(r.Context(), actor, deliveryID)
		if err != nil {
			s.writeDeliveryError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newDeliveryResponse(rec))
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var (
		rec delivery.Record
		err error
	)
	switch parts[1] {
	case "assign":
		var req assignRequest
		if decodeErr := decodeJSON(w, r, &req); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		rec, err = s.deliveryService.AssignDriver(r.Context(), actor, deliveryID, req.DriverID)
	case "start":
		rec, err = s.deliveryService.StartDelivery(r.Context(), actor, deliveryID)
	case "complete":
		var req completeRequest
		if decodeErr := decodeJSON(w, r, &req); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		rec, err = s.deliveryService.Complete(r.Context(), actor, delivery.CompleteParams{
			DeliveryID:   deliveryID,
			ReceiverName: req.ReceiverName,
			Latitude:     req.Latitude,
			Longitude:    req.Longitude,
		})
	case "fail":
		var req reasonRequest
		if decodeErr := decodeJSON(w, r, &req); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		reason := ""
		if req.Reason != nil {
			reason = *req.Reason
		}
		rec, err = s.deliveryService.Fail(r.Context(), actor, deliveryID, reason)
	case "cancel":
		var req reasonRequest
		if decodeErr := decodeJSON(w, r, &req); decodeErr != nil && !errors.Is(decodeErr, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		rec, err = s.deliveryService.Cancel(r.Context(), actor, deliveryID, req.Reason)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.writeDeliveryError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newDeliveryResponse(rec))
}

func (s *Server) handleDriverDeliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, _ := actorFrom(r)
	pendingOnly, _ := strconv.ParseBool(r.URL.Query().Get("pending"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	res, err := s.deliveryService.ListForDriver(r.Context(), actor, pendingOnly, page)
	if err != nil {
		s.writeDeliveryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDeliveryListResponse(res))
}

func (s *Server) writeDeliveryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		writeError(w, http.StatusNotFound, "delivery not found")
	case errors.Is(err, delivery.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, delivery.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "delivery cannot move to that status")
	case errors.Is(err, jobfile.ErrNotFound):
		writeError(w, http.StatusBadRequest, "job file not found")
	case errors.Is(err, delivery.ErrJobFileRequired),
		errors.Is(err, delivery.ErrLocationRequired),
		errors.Is(err, delivery.ErrDriverUnavailable),
		errors.Is(err, delivery.ErrReceiverRequired),
		errors.Is(err, delivery.ErrReasonRequired),
		errors.Is(err, delivery.ErrInvalidCoordinates):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, r, "delivery request", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.log().Error(op+" failed",
		zap.Error(err),
		zap.String("request_id", requestIDFrom(r.Context())),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}
