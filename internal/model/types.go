package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProposalStatus is the lifecycle state of a vehicle-insurance proposal.
type ProposalStatus string

const (
	StatusSubmitted             ProposalStatus = "SUBMITTED"
	StatusUnderwritingConfirmed ProposalStatus = "UNDERWRITING_CONFIRMED"
	StatusPaid                  ProposalStatus = "PAID"
	StatusCompleted             ProposalStatus = "COMPLETED"
	StatusRejected              ProposalStatus = "REJECTED"
)

// Acceptance is the underwriter's ruling on a proposal.
type Acceptance string

const (
	AcceptanceAccept Acceptance = "ACCEPT"
	AcceptanceReject Acceptance = "REJECT"
	AcceptanceModify Acceptance = "MODIFY"
)

// OperatorRole is a back-office privilege tier. CS is below L1.
type OperatorRole string

const (
	RoleCS OperatorRole = "CS"
	RoleL1 OperatorRole = "L1"
	RoleL2 OperatorRole = "L2"
	RoleL3 OperatorRole = "L3"
)

// Tier maps a role to its numeric privilege level for comparisons.
func (r OperatorRole) Tier() int {
	switch r {
	case RoleL1:
		return 1
	case RoleL2:
		return 2
	case RoleL3:
		return 3
	default:
		return 0
	}
}

// PowerType classifies a delegated operation.
type PowerType string

const (
	PowerSubstitution PowerType = "SUBSTITUTION"
	PowerCorrection   PowerType = "CORRECTION"
)

// PersonInfo is a proposer/insured/owner party on the submission.
type PersonInfo struct {
	Name    string `json:"name"`
	IDType  string `json:"id_type,omitempty"`
	IDCard  string `json:"id_card,omitempty"`
	Mobile  string `json:"mobile,omitempty"`
	Address string `json:"address,omitempty"`
}

// VehicleInfo carries the normalized vehicle attributes of a submission.
type VehicleInfo struct {
	Plate              string `json:"plate"`
	VIN                string `json:"vin"`
	EngineNo           string `json:"engine_no,omitempty"`
	Brand              string `json:"brand,omitempty"`
	RegisterDate       string `json:"register_date,omitempty"`
	VehicleType        string `json:"vehicle_type,omitempty"`
	UseNature          string `json:"use_nature,omitempty"`
	CurbWeight         string `json:"curb_weight,omitempty"`
	ApprovedLoad       string `json:"approved_load,omitempty"`
	ApprovedPassengers string `json:"approved_passengers,omitempty"`
}

// CoverageLine is one requested or confirmed coverage on a proposal.
type CoverageLine struct {
	CoverageID    string    `json:"coverage_id,omitempty"`
	Type          string    `json:"type"`
	Level         string    `json:"level,omitempty"`
	SumInsured    float64   `json:"sum_insured"`
	EffectiveDate time.Time `json:"effective_date"`
}

// Submission is the structured payload captured at submit time. Legacy rows
// may carry partially-populated persons; readers must tolerate zero values.
type Submission struct {
	Vehicle   VehicleInfo    `json:"vehicle"`
	Proposer  PersonInfo     `json:"proposer"`
	Insured   PersonInfo     `json:"insured"`
	Owner     PersonInfo     `json:"owner"`
	Coverages []CoverageLine `json:"coverages"`
}

// Proposal is one vehicle-insurance application moving through underwriting.
type Proposal struct {
	ProposalID   string
	Status       ProposalStatus
	Submission   Submission
	RejectReason *string
	SubmittedAt  time.Time
	ConfirmedAt  *time.Time
	UpdatedAt    time.Time
}

// UnderwritingDecision is the underwriter's binding ruling. At most one row
// is "current" per proposal; callers resolve current by latest ConfirmedAt.
type UnderwritingDecision struct {
	DecisionID          string
	ProposalID          string
	Acceptance          Acceptance
	RiskLevel           string
	RiskReason          string
	FinalPremium        float64
	PolicyEffectiveDate time.Time
	PolicyExpiryDate    time.Time
	UnderwriterName     string
	ConfirmedAt         time.Time
	AuthCode            *string
	QRReference         *string
	OwnerMobile         *string
	PaymentLink         *string
}

// PhoneAuthLimit is the attempt budget for client code verification, keyed
// by normalized mobile. A row past ExpiresAt is treated as absent.
type PhoneAuthLimit struct {
	Mobile            string
	AuthCode          string
	RemainingAttempts int
	MaxAttempts       int
	ProposalID        *string
	ExpiresAt         time.Time
	LastAccessedAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Expired reports whether the budget row must be ignored.
func (l PhoneAuthLimit) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// AdminOperationLog is one immutable delegated-operation audit record.
// ReviewerID set with ReviewedAt null means the row is pending dual control.
type AdminOperationLog struct {
	ID               uuid.UUID
	OperatorID       string
	OperatorName     string
	OperatorRole     OperatorRole
	PowerType        PowerType
	Action           string
	TargetType       string
	TargetID         string
	Reason           string
	BeforeState      []byte
	AfterState       []byte
	AuthorizationURL *string
	ReviewerID       *string
	ReviewedAt       *time.Time
	ReviewApproved   *bool
	ReviewReason     *string
	CreatedAt        time.Time
}

// Pending reports whether the row still awaits its designated reviewer.
func (l AdminOperationLog) Pending() bool {
	return l.ReviewerID != nil && l.ReviewedAt == nil
}

// PolicyStatus is the state of an issued policy artifact.
type PolicyStatus string

const (
	PolicyIssued      PolicyStatus = "ISSUED"
	PolicySurrendered PolicyStatus = "SURRENDERED"
)

// Policy is the terminal artifact of an issued proposal, carrying the frozen
// premium and effective window copied from the current decision.
type Policy struct {
	PolicyID      string
	ProposalID    string
	Status        PolicyStatus
	Premium       float64
	EffectiveDate time.Time
	ExpiryDate    time.Time
	IssuedAt      time.Time
}

// InForce reports whether the policy is active at the given instant.
func (p Policy) InForce(now time.Time) bool {
	return p.Status == PolicyIssued && !now.Before(p.EffectiveDate) && !now.After(p.ExpiryDate)
}

// NewID returns an entity-prefixed opaque identifier, e.g. "PROP-1A2B3C4D5E6F".
// The prefix is human-debuggable only; nothing parses it.
func NewID(prefix string) string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return prefix + "-" + raw[:12]
}
