package ffeval

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ffaaslite/go-ffaas/ffmodel"
)

const bucketScale = float64(1 << 32)

// Bucket returns the rollout bucket in [0,100) for a basis value. The input to the hash is
// "{flagKey}:{salt}:{basis}"; the first four bytes of its SHA-256 digest are read as a
// big-endian unsigned integer and scaled.
func Bucket(flagKey, salt, basis string) float64 {
	sum := sha256.Sum256([]byte(flagKey + ":" + salt + ":" + basis))
	return float64(binary.BigEndian.Uint32(sum[:4])) / bucketScale * 100
}

func percentageRuleMatches(flagKey string, rule ffmodel.TargetRule, context ffmodel.EvalContext) bool {
	if rule.Percentage <= 0 {
		return false
	}
	basis, ok := percentageBasis(rule, context)
	if !ok {
		return false
	}
	if rule.Percentage >= 100 {
		return true
	}
	salt := rule.Value
	if salt == "" {
		salt = flagKey
	}
	return Bucket(flagKey, salt, basis) < rule.Percentage
}

func percentageBasis(rule ffmodel.TargetRule, context ffmodel.EvalContext) (string, bool) {
	for _, name := range []string{rule.PercentageAttribute, rule.Attribute} {
		if name == "" {
			continue
		}
		if v, ok := context.Resolve(name); ok && v != "" {
			return v, true
		}
	}
	if id, ok := context.UserID.Get(); ok && id != "" {
		return id, true
	}
	return "", false
}
