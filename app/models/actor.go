package models

type ActorKind string

const (
	ActorAnonymous ActorKind = "anonymous"
	ActorAccount   ActorKind = "account"
)

// Actor is whoever is asking to consume a unit. Fingerprint is set for every
// request (it is how an anonymous job is matched back to its device), while
// AccountID is only set once the identity provider vouched for the caller.
type Actor struct {
	Kind        ActorKind `json:"kind"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	AccountID   string    `json:"account_id,omitempty"`
	Plan        Plan      `json:"plan,omitempty"`
}

func Anonymous(fingerprint string) Actor {
	return Actor{Kind: ActorAnonymous, Fingerprint: fingerprint}
}

func AccountActor(id string, plan Plan) Actor {
	return Actor{Kind: ActorAccount, AccountID: id, Plan: plan}
}

// ID is the ledger key for the actor.
func (a Actor) ID() string {
	if a.Kind == ActorAccount {
		return "acct:" + a.AccountID
	}
	return "anon:" + a.Fingerprint
}

func (a Actor) IsAnonymous() bool { return a.Kind != ActorAccount }

// WithFingerprint keeps the device fingerprint alongside an account identity.
func (a Actor) WithFingerprint(fp string) Actor {
	a.Fingerprint = fp
	return a
}
