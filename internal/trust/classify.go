// Package trust computes the trust tier of content entering the system.
// Classification is a pure function of origin, identity, and detector
// output; the content itself never gets a vote.
package trust

import "github.com/ppiankov/toolgate/internal/model"

// HostileThreshold is the detector risk score at or above which content is
// classified hostile regardless of origin.
const HostileThreshold = 0.5

// hostileTags force T3 classification when present, at any score.
var hostileTags = map[string]bool{
	"injection":           true,
	"exfiltration":        true,
	"credential_phishing": true,
}

// Classify maps (origin, identity, detector score, detector tags) to a
// trust tier. Rule order is fixed; first match wins:
//
//  1. Hostile score or hostile tag: T3.
//  2. System or developer origin: T0.
//  3. User origin: T0 only when authenticated, else T2.
//  4. Database or config origin: T1.
//  5. Everything else: T2.
//
// The identity pointer may be nil for content with no attached identity.
func Classify(origin model.Origin, ident *model.Identity, riskScore float64, riskTags []string) model.TrustTier {
	if riskScore >= HostileThreshold {
		return model.TierHostile
	}
	for _, tag := range riskTags {
		if hostileTags[tag] {
			return model.TierHostile
		}
	}

	switch origin {
	case model.OriginSystem, model.OriginDeveloper:
		return model.TierTrusted
	case model.OriginUserChat, model.OriginUserAPI:
		if ident != nil && ident.Auth != "" && ident.Auth != model.AuthNone {
			return model.TierTrusted
		}
		return model.TierUntrusted
	case model.OriginDatabase, model.OriginConfig:
		return model.TierSemiTrusted
	default:
		return model.TierUntrusted
	}
}

// CanExecuteTools reports whether content at this tier may trigger tool
// execution. Only fully trusted content qualifies.
func CanExecuteTools(tier model.TrustTier) bool {
	return tier == model.TierTrusted
}

// CanModifyState reports whether content at this tier may cause state
// mutation.
func CanModifyState(tier model.TrustTier) bool {
	return tier == model.TierTrusted
}

// CanAccessSecrets reports whether content at this tier may read secret
// material.
func CanAccessSecrets(tier model.TrustTier) bool {
	return tier == model.TierTrusted
}
