package store

// Class is an NFT class issued per participant.
type Class string

const (
	ClassPoA         Class = "poa"
	ClassCertificate Class = "certificate"
)

// Status is a lifecycle state of an IssuanceRecord.
type Status string

const (
	// StatusUnset means no record exists yet.
	StatusUnset       Status = ""
	StatusRegistered  Status = "registered"
	StatusEligible    Status = "eligible"
	StatusMinted      Status = "minted"
	StatusTransferred Status = "transferred"
)

var statusRank = map[Status]int{
	StatusUnset:       0,
	StatusRegistered:  1,
	StatusEligible:    2,
	StatusMinted:      3,
	StatusTransferred: 4,
}

// Rank orders statuses; unknown statuses rank below unset.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s has reached other in the state ordering.
func (s Status) AtLeast(other Status) bool {
	return s.Rank() >= other.Rank()
}

// forwardEdges lists the only transitions CASTransition accepts, per class.
var forwardEdges = map[Class]map[Status][]Status{
	ClassPoA: {
		StatusUnset:      {StatusRegistered},
		StatusRegistered: {StatusMinted},
		StatusMinted:     {StatusTransferred},
	},
	ClassCertificate: {
		StatusUnset:      {StatusRegistered, StatusEligible},
		StatusRegistered: {StatusEligible},
		StatusEligible:   {StatusMinted},
		StatusMinted:     {StatusTransferred},
	},
}

// IsForwardEdge reports whether from→to is a legal transition for class.
func IsForwardEdge(class Class, from, to Status) bool {
	for _, next := range forwardEdges[class][from] {
		if next == to {
			return true
		}
	}
	return false
}

// OperationKind names a bulk ledger operation.
type OperationKind string

const (
	KindPoAMint             OperationKind = "poa_mint"
	KindPoATransfer         OperationKind = "poa_transfer"
	KindCertificateMint     OperationKind = "certificate_mint"
	KindCertificateTransfer OperationKind = "certificate_transfer"
)

// AllKinds lists every operation kind.
var AllKinds = []OperationKind{KindPoAMint, KindPoATransfer, KindCertificateMint, KindCertificateTransfer}

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Class returns the NFT class the kind operates on.
func (k OperationKind) Class() Class {
	switch k {
	case KindCertificateMint, KindCertificateTransfer:
		return ClassCertificate
	default:
		return ClassPoA
	}
}

// Transition returns the expected predecessor and target status for a successful outcome.
func (k OperationKind) Transition() (from, to Status) {
	switch k {
	case KindPoAMint:
		return StatusRegistered, StatusMinted
	case KindCertificateMint:
		return StatusEligible, StatusMinted
	default:
		return StatusMinted, StatusTransferred
	}
}

// IsTransfer reports whether the kind moves already-minted tokens.
func (k OperationKind) IsTransfer() bool {
	return k == KindPoATransfer || k == KindCertificateTransfer
}

// Registration statuses of an Event on the ledger.
const (
	RegistrationPending   = "pending"
	RegistrationConfirmed = "confirmed"
	RegistrationConflict  = "conflict"
)

// Attempt statuses.
const (
	AttemptSubmitted   = "submitted"
	AttemptUnconfirmed = "unconfirmed"
	AttemptConsumed    = "consumed"
	AttemptUndecodable = "undecodable"
)
