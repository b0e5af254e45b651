package app

import (
	"example/mixreport-api/app/config"
	"example/mixreport-api/app/entitlement"
	"example/mixreport-api/app/jobs"
	"example/mixreport-api/app/ledger"
	"example/mixreport-api/app/logging"
	"example/mixreport-api/app/migration"
	"example/mixreport-api/auth"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Deps is everything the HTTP layer needs. Handlers never decide
// entitlement themselves; they only translate to and from the services.
type Deps struct {
	Config    *config.Config
	Ledger    ledger.Store
	Resolver  *entitlement.Resolver
	Jobs      *jobs.Orchestrator
	Migration *migration.Coordinator
	Billing   *Billing
	// Verifier may be nil when auth is disabled for local development.
	Verifier auth.TokenVerifier
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type Server struct {
	cfg       *config.Config
	ledger    ledger.Store
	resolver  *entitlement.Resolver
	jobs      *jobs.Orchestrator
	migration *migration.Coordinator
	billing   *Billing
	log       *zap.Logger
}

func newServer(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		ledger:    d.Ledger,
		resolver:  d.Resolver,
		jobs:      d.Jobs,
		migration: d.Migration,
		billing:   d.Billing,
		log:       logging.OrNop(d.Logger),
	}
}
