package detect

import "regexp"

// compilePatterns compiles a list of regex strings, panicking on a bad
// pattern. All patterns are package-level literals, so a failure here is a
// build-time mistake, not a runtime condition.
func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

var injectionPatterns = compilePatterns([]string{
	`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|rules?)`,
	`(?i)disregard\s+(all\s+)?(previous|prior|your)\s+(instructions?|rules?|guidelines?)`,
	`(?i)forget\s+(all\s+)?(your|previous)\s+(instructions?|rules?)`,
	`(?i)override\s+(all\s+)?(safety|security)\s+(rules?|protocols?|guidelines?)`,
	`(?i)you\s+are\s+now\s+(free|unrestricted|unfiltered|dan)`,
	`(?i)new\s+instructions?\s*:`,
	`(?i)system\s*:\s*(you\s+are|ignore|forget)`,
	`(?i)pretend\s+(to\s+be|you\s+are)`,
	`(?i)(reveal|show|print)\s+(your\s+)?(system\s+)?prompt`,
	`(?i)act\s+as\s+(an?\s+)?(unrestricted|root|admin)`,
	`(?i)do\s+anything\s+now`,
	`(?i)jailbreak`,
})

var exfiltrationPatterns = compilePatterns([]string{
	`(?i)(send|upload|post|forward|transmit)\s+.{0,40}\s+to\s+https?://`,
	`(?i)exfiltrat\w+`,
	`(?i)(copy|sync|mirror)\s+.{0,40}\s+to\s+(remote|external)`,
	`(?i)curl\s+.{0,80}(-d|--data|--upload-file)`,
	`(?i)(email|mail|message)\s+.{0,40}(contents?|file|data|records?)\s+to`,
	`(?i)(attach|include)\s+.{0,40}(database|export|dump|backup)`,
	`[A-Za-z0-9+/]{60,}={0,2}`,
	`(?i)(leak|smuggle)\s+.{0,30}(data|secrets?|keys?)`,
})

var credentialPhishingPatterns = compilePatterns([]string{
	`(?i)(enter|confirm|verify|provide)\s+(your\s+)?(password|passphrase|pin)`,
	`(?i)verify\s+your\s+(account|identity|login)`,
	`(?i)(api[_-]?key|apikey)\s*[:=]`,
	`(?i)(secret|private)[_-]?key`,
	`(?i)\.env\b`,
	`(?i)/etc/shadow`,
	`(?i)\.ssh/`,
	`(?i)(aws_secret_access_key|aws_access_key_id)`,
	`AKIA[A-Z0-9]{16}`,
	`ghp_[A-Za-z0-9]{36}`,
	`sk-[A-Za-z0-9]{20,}`,
	`(?i)bearer\s+[a-z0-9._\-]{16,}`,
	`(?i)(login|signin)\s+(details|credentials)`,
})

var moneyMovementPatterns = compilePatterns([]string{
	`(?i)(wire|bank)\s+transfer`,
	`(?i)transfer\s+\$?\d`,
	`(?i)(send|move|route)\s+(the\s+)?(money|funds|payment)`,
	`(?i)payment\s+(to|of|for)`,
	`(?i)pay\s+\$?\d`,
	`(?i)(routing|account)\s+number`,
	`(?i)\biban\b`,
	`(?i)(bitcoin|btc|ethereum|eth|crypto)\s+(wallet|address|payment)`,
	`(?i)(venmo|paypal|zelle|cashapp|cash\s+app)`,
	`(?i)gift\s+cards?`,
	`(?i)(invoice|refund)\s+(immediately|urgent|now)`,
})

var suspiciousCommandPatterns = compilePatterns([]string{
	`(?i)rm\s+-rf?\s+/`,
	`(?i)\bsudo\b`,
	`(?i)chmod\s+(777|a\+rwx)`,
	`(?i)(curl|wget)\s+[^|;]{0,120}\|\s*(ba|z|da)?sh`,
	`(?i)\bmkfifo\b`,
	`(?i)nc\s+(-e|--exec)`,
	`(?i)dd\s+if=/dev/`,
	`:\(\)\s*\{\s*:\|:&\s*\}\s*;`,
	`(?i)base64\s+(-d|--decode)\s*\|`,
	`(?i)/etc/passwd`,
	`(?i)\beval\s*\(`,
	`(?i)>\s*/dev/sd[a-z]`,
	`(?i)history\s+-c`,
})

// categoryPatterns maps each category to its independent pattern set.
var categoryPatterns = map[Category][]*regexp.Regexp{
	CategoryInjection:          injectionPatterns,
	CategoryExfiltration:       exfiltrationPatterns,
	CategoryCredentialPhishing: credentialPhishingPatterns,
	CategoryMoneyMovement:      moneyMovementPatterns,
	CategorySuspiciousCommand:  suspiciousCommandPatterns,
}

// categoryNormalizers convert a distinct-match count into a score. Three
// to four independent pattern hits saturate a category at 1.0.
var categoryNormalizers = map[Category]float64{
	CategoryInjection:          4,
	CategoryExfiltration:       3,
	CategoryCredentialPhishing: 3,
	CategoryMoneyMovement:      3,
	CategorySuspiciousCommand:  4,
}

// categoryWeights bias the overall risk score toward the categories whose
// false negatives hurt most.
var categoryWeights = map[Category]float64{
	CategoryInjection:          1.0,
	CategoryMoneyMovement:      1.0,
	CategoryCredentialPhishing: 0.95,
	CategoryExfiltration:       0.9,
	CategorySuspiciousCommand:  0.8,
}
