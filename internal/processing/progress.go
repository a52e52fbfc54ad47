package processing

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/repowiki/repowiki/internal/wiki/models"
)

// Progress message grammar. The generator historically emitted Chinese
// messages; both forms stay recognized so old log streams keep rendering
// progress. Matching is case-sensitive and ordered: the first pattern that
// matches a message wins.
var (
	foundPattern      = regexp.MustCompile(`Found\s+(\d+)\s+documents`)
	foundPatternCN    = regexp.MustCompile(`发现\s*(\d+)\s*个文档`)
	completedPattern  = regexp.MustCompile(`(Document completed|文档完成)\s*\((\d+)/(\d+)\)`)
	generatingPattern = regexp.MustCompile(`(Start generating document|Generating document|开始生成文档|正在生成文档)\s*\((\d+)/(\d+)\)`)
)

var doneMarkers = []string{"文档生成完成", "Document generation completed"}

// parseProgress derives (total, completed) document counts from a
// chronological log stream. Generator output and tool entries are skipped;
// only the core's own progress messages count.
func parseProgress(logs []*models.ProcessingLog) (total, completed int) {
	for _, entry := range logs {
		if entry.IsAIOutput || entry.ToolName != nil {
			continue
		}
		msg := entry.Message

		if m := foundPattern.FindStringSubmatch(msg); m != nil {
			total = atoi(m[1])
			continue
		}
		if m := foundPatternCN.FindStringSubmatch(msg); m != nil {
			total = atoi(m[1])
			continue
		}
		if m := completedPattern.FindStringSubmatch(msg); m != nil {
			if done := atoi(m[2]); done > completed {
				completed = done
			}
			if total == 0 {
				total = atoi(m[3])
			}
			continue
		}
		if m := generatingPattern.FindStringSubmatch(msg); m != nil {
			if total == 0 {
				total = atoi(m[3])
			}
			continue
		}
		for _, marker := range doneMarkers {
			if strings.Contains(msg, marker) {
				completed = total
				break
			}
		}
	}
	return total, completed
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
