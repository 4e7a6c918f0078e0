package http

import (
	"database/sql"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/CL-j-nc/xinhexin-api/internal/auth"
	"github.com/CL-j-nc/xinhexin-api/internal/http/handlers"
	"github.com/CL-j-nc/xinhexin-api/internal/middleware"
)

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(
	proposalHandler *handlers.ProposalHandler,
	adminHandler *handlers.AdminHandler,
	tokenHandler *handlers.TokenHandler,
	jwtService *auth.JWTService,
	db *sql.DB,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler(db)
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Post("/dev/token", tokenHandler.HandleMintToken)

		r.Route("/proposals", func(r chi.Router) {
			r.Post("/", proposalHandler.HandleSubmit)
			r.Get("/", proposalHandler.HandleList)
			r.Get("/{proposalID}/status", proposalHandler.HandleStatus)
			r.Post("/{proposalID}/decision", proposalHandler.HandleDecision)
			r.Post("/{proposalID}/verify", proposalHandler.HandleVerify)
			r.Post("/{proposalID}/pay", proposalHandler.HandlePay)
			r.Post("/{proposalID}/complete", proposalHandler.HandleComplete)
			r.Post("/{proposalID}/issue", proposalHandler.HandleIssue)
		})

		r.Get("/policies/{policyID}/status", proposalHandler.HandlePolicyStatus)

		// Delegated operations require an operator token.
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.OperatorAuth(jwtService))
			r.Post("/substitute-auth", adminHandler.HandleSubstituteAuth)
			r.Post("/correct-data", adminHandler.HandleCorrectData)
			r.Post("/submit-claim", adminHandler.HandleSubmitClaim)
			r.Post("/substitute-payment", adminHandler.HandleSubstitutePayment)
			r.Post("/substitute-surrender", adminHandler.HandleSubstituteSurrender)
			r.Post("/reviews/{logID}", adminHandler.HandleReview)
			r.Get("/reviews/pending", adminHandler.HandlePendingReviews)
			r.Get("/audit-log", adminHandler.HandleAuditLog)
		})
	})

	return r
}
