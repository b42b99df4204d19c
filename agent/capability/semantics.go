package capability

// Domain relationship groups. Domains in the same group are near misses of
// each other and earn semantic credit at the group's similarity.
var domainGroups = []struct {
	similarity float64
	domains    []string
}{
	{0.7, []string{"security", "compliance", "audit"}},
	{0.6, []string{"api-design", "documentation", "validation"}},
	{0.6, []string{"testing", "validation", "quality-assurance"}},
	{0.6, []string{"performance", "optimization", "monitoring"}},
	{0.6, []string{"data-processing", "analytics", "transformation"}},
	{0.7, []string{"orchestration", "coordination", "workflow"}},
	{0.7, []string{"deployment", "infrastructure", "devops"}},
}

// Relative difficulty of operations. Missing a hard operation costs more.
var operationComplexity = map[string]float64{
	"read":        1,
	"list":        1,
	"analyze":     2,
	"validate":    2,
	"review":      2,
	"generate":    3,
	"transform":   3,
	"audit":       4,
	"optimize":    4,
	"orchestrate": 5,
}

const defaultOperationComplexity = 2

// Domains that matter for a task type.
var taskRelevance = map[string][]string{
	"security-review": {"security", "compliance", "audit"},
	"api-development": {"api-design", "documentation", "validation", "testing"},
	"data-pipeline":   {"data-processing", "analytics", "transformation"},
	"release":         {"deployment", "infrastructure", "devops", "testing"},
	"coordination":    {"orchestration", "coordination", "workflow"},
	"tuning":          {"performance", "optimization", "monitoring"},
}

// similarityTable is built once; it is read-only afterwards.
var similarityTable = buildSimilarityTable()

type domainPair struct{ a, b string }

func buildSimilarityTable() map[domainPair]float64 {
	t := make(map[domainPair]float64)
	for _, g := range domainGroups {
		for _, a := range g.domains {
			for _, b := range g.domains {
				if a == b {
					continue
				}
				if g.similarity > t[domainPair{a, b}] {
					t[domainPair{a, b}] = g.similarity
				}
			}
		}
	}
	return t
}

// Similarity returns the fixed semantic similarity of two domains in [0, 1].
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return similarityTable[domainPair{a, b}]
}

// OperationComplexity returns the difficulty weight of op.
func OperationComplexity(op string) float64 {
	if c, ok := operationComplexity[op]; ok {
		return c
	}
	return defaultOperationComplexity
}

func relevantToTask(taskType, domain string) (known, relevant bool) {
	domains, ok := taskRelevance[taskType]
	if !ok {
		return false, false
	}
	for _, d := range domains {
		if d == domain {
			return true, true
		}
	}
	return true, false
}
