package generation

import (
	"fmt"
	"strings"

	"github.com/cvflow/cvflow/types"
)

// RefineInstruction 为再生成构造附加指令：点名上一轮被驳倒/未被证实
// 的断言，要求新答案绕开它们。
func RefineInstruction(report *types.VerificationReport) string {
	if report == nil {
		return ""
	}

	var contradicted, unverified []string
	for _, c := range report.Claims {
		switch c.Status {
		case types.ClaimContradicted:
			contradicted = append(contradicted, c.Text)
		case types.ClaimUnverified:
			unverified = append(unverified, c.Text)
		}
	}
	if len(contradicted) == 0 && len(unverified) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("IMPORTANT: your previous answer failed verification. Rewrite it.\n")
	if len(contradicted) > 0 {
		b.WriteString("These claims are CONTRADICTED by the evidence — do not repeat them:\n")
		for _, c := range contradicted {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(unverified) > 0 {
		b.WriteString("These claims have NO supporting evidence — drop them or mark them as unknown:\n")
		for _, c := range unverified {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	b.WriteString("State only what the evidence supports.")
	return b.String()
}
