package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/propview/mortgage-engine/pkg/errs"
	"github.com/propview/mortgage-engine/pkg/ledger"
	"github.com/propview/mortgage-engine/pkg/models"
	"github.com/propview/mortgage-engine/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// Server holds the ledger instance and the request plumbing.
type Server struct {
	ledger   *ledger.Ledger
	storage  store.Storage
	validate *validator.Validate
	log      *zap.Logger
}

func NewServer(s store.Storage, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		ledger:   ledger.New(s, log),
		storage:  s,
		validate: validator.New(),
		log:      log,
	}
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.log.Error("failed to encode response", zap.Error(err))
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.StatusCode(err)
	body := errorBody{
		Type:    string(errs.ErrorTypeInternal),
		Code:    "INTERNAL_ERROR",
		Message: "internal server error",
	}
	var appErr *errs.AppError
	if errors.As(err, &appErr) {
		body.Type = string(appErr.Type)
		body.Code = appErr.Code
		body.Message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: body})
}

// userID extracts the caller identity. Authentication happens upstream at the
// gateway; the engine trusts the forwarded header.
func (s *Server) userID(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get("X-User-Id")
	if raw == "" {
		return uuid.Nil, errs.NewValidationError("MISSING_USER", "X-User-Id header is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errs.NewValidationError("INVALID_USER", "X-User-Id must be a UUID")
	}
	return id, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, errs.NewValidationError("INVALID_ID", "invalid "+name)
	}
	return id, nil
}

func (s *Server) decodeAndValidate(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.NewValidationError("INVALID_BODY", "request body is not valid JSON")
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return errs.NewValidationError("INVALID_FIELD", "invalid field: "+verrs[0].Field())
		}
		return errs.ErrInvalidInput
	}
	return nil
}

func parseDate(value string) (time.Time, error) {
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, errs.NewValidationError("INVALID_DATE", "dates must use YYYY-MM-DD")
	}
	return t, nil
}

func (s *Server) registerPropertyHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	propertyID := uuid.New()
	if err := s.storage.RegisterProperty(propertyID, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]uuid.UUID{"property_id": propertyID})
}

type createMortgageRequest struct {
	Lender             string          `json:"lender" validate:"required"`
	OriginalLoanAmount decimal.Decimal `json:"original_loan_amount" validate:"required"`
	InterestRate       decimal.Decimal `json:"interest_rate"`
	TermYears          int             `json:"term_years" validate:"required,min=1,max=40"`
	MortgageType       string          `json:"mortgage_type" validate:"required,oneof=REPAYMENT INTEREST_ONLY"`
	ProductType        string          `json:"product_type" validate:"required,oneof=FIXED VARIABLE TRACKER OFFSET STANDARD_VARIABLE"`
	StartDate          string          `json:"start_date" validate:"required"`
	Notes              string          `json:"notes"`
}

func (s *Server) createMortgageHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	propertyID, err := pathUUID(r, "propertyId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req createMortgageRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	startDate, err := parseDate(req.StartDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	mortgage, err := s.ledger.CreateMortgage(userID, propertyID, ledger.CreateMortgageInput{
		Lender:             req.Lender,
		OriginalLoanAmount: req.OriginalLoanAmount,
		InterestRate:       req.InterestRate,
		TermYears:          req.TermYears,
		MortgageType:       models.MortgageType(req.MortgageType),
		ProductType:        models.ProductType(req.ProductType),
		StartDate:          startDate,
		Notes:              req.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, mortgage)
}

func (s *Server) listPropertyMortgagesHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	propertyID, err := pathUUID(r, "propertyId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var mortgages []*models.Mortgage
	if r.URL.Query().Get("active") == "true" {
		mortgages, err = s.ledger.ActiveMortgagesForProperty(userID, propertyID)
	} else {
		mortgages, err = s.ledger.MortgagesForProperty(userID, propertyID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mortgages)
}

func (s *Server) listUserMortgagesHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mortgages, err := s.ledger.MortgagesForUser(userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mortgages)
}

func (s *Server) getMortgageHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mortgageID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mortgage, err := s.ledger.GetMortgage(userID, mortgageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mortgage)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mortgageID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.ledger.Summary(userID, mortgageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

type recordPaymentRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"required"`
	PaymentDate string          `json:"payment_date" validate:"required"`
	TopupReason string          `json:"topup_reason"`
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mortgageID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req recordPaymentRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	paymentDate, err := parseDate(req.PaymentDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	payment, err := s.ledger.RecordPayment(userID, mortgageID, req.Amount, paymentDate, req.TopupReason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, payment)
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mortgageID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payments, err := s.ledger.Payments(userID, mortgageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payments)
}

func (s *Server) listTopUpPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mortgageID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payments, err := s.ledger.TopUpPayments(userID, mortgageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payments)
}

type remortgageRequest struct {
	Lender              string          `json:"lender" validate:"required"`
	NewLoanAmount       decimal.Decimal `json:"new_loan_amount" validate:"required"`
	InterestRate        decimal.Decimal `json:"interest_rate"`
	TermYears           int             `json:"term_years" validate:"required,min=1,max=40"`
	MortgageType        string          `json:"mortgage_type" validate:"required,oneof=REPAYMENT INTEREST_ONLY"`
	ProductType         string          `json:"product_type" validate:"required,oneof=FIXED VARIABLE TRACKER OFFSET STANDARD_VARIABLE"`
	StartDate           string          `json:"start_date" validate:"required"`
	Notes               string          `json:"notes"`
	ReleaseEquity       bool            `json:"release_equity"`
	EquityReleaseAmount decimal.Decimal `json:"equity_release_amount"`
}

func (s *Server) remortgageHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mortgageID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req remortgageRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	startDate, err := parseDate(req.StartDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	successor, err := s.ledger.Remortgage(userID, mortgageID, ledger.RemortgageInput{
		Lender:              req.Lender,
		NewLoanAmount:       req.NewLoanAmount,
		InterestRate:        req.InterestRate,
		TermYears:           req.TermYears,
		MortgageType:        models.MortgageType(req.MortgageType),
		ProductType:         models.ProductType(req.ProductType),
		StartDate:           startDate,
		Notes:               req.Notes,
		ReleaseEquity:       req.ReleaseEquity,
		EquityReleaseAmount: req.EquityReleaseAmount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, successor)
}

type updateRateRequest struct {
	InterestRate decimal.Decimal `json:"interest_rate" validate:"required"`
}

func (s *Server) updateInterestRateHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mortgageID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req updateRateRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	mortgage, err := s.ledger.UpdateInterestRate(userID, mortgageID, req.InterestRate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mortgage)
}

type markPaidRequest struct {
	ActualPaymentDate string `json:"actual_payment_date" validate:"required"`
}

func (s *Server) markPaymentPaidHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	paymentID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req markPaidRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actualDate, err := parseDate(req.ActualPaymentDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.ledger.MarkPaymentAsPaid(userID, paymentID, actualDate); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// router wires the HTTP surface.
func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	r.HandleFunc("/properties", s.registerPropertyHandler).Methods("POST")
	r.HandleFunc("/properties/{propertyId}/mortgages", s.createMortgageHandler).Methods("POST")
	r.HandleFunc("/properties/{propertyId}/mortgages", s.listPropertyMortgagesHandler).Methods("GET")

	r.HandleFunc("/mortgages", s.listUserMortgagesHandler).Methods("GET")
	r.HandleFunc("/mortgages/{id}", s.getMortgageHandler).Methods("GET")
	r.HandleFunc("/mortgages/{id}/summary", s.summaryHandler).Methods("GET")
	r.HandleFunc("/mortgages/{id}/payments", s.recordPaymentHandler).Methods("POST")
	r.HandleFunc("/mortgages/{id}/payments", s.listPaymentsHandler).Methods("GET")
	r.HandleFunc("/mortgages/{id}/payments/topups", s.listTopUpPaymentsHandler).Methods("GET")
	r.HandleFunc("/mortgages/{id}/remortgage", s.remortgageHandler).Methods("POST")
	r.HandleFunc("/mortgages/{id}/interest-rate", s.updateInterestRateHandler).Methods("PATCH")

	r.HandleFunc("/payments/{id}/paid", s.markPaymentPaidHandler).Methods("POST")

	return r
}
