package headerrules

import (
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForwardExact(t *testing.T) {
	in := http.Header{"X-Request-Id": []string{"abc"}}
	out := http.Header{}
	Apply([]Rule{{Action: Forward, Name: "X-Request-Id"}}, in, out)
	assert.Equal(t, "abc", out.Get("X-Request-Id"))
}

func TestForwardWithDefault(t *testing.T) {
	in := http.Header{}
	out := http.Header{}
	Apply([]Rule{{Action: Forward, Name: "X-Client", Default: "anon"}}, in, out)
	assert.Equal(t, "anon", out.Get("X-Client"))
}

func TestForwardHopByHopNeverForwarded(t *testing.T) {
	in := http.Header{"Connection": []string{"keep-alive"}}
	out := http.Header{}
	Apply([]Rule{{Action: Forward, Name: "Connection"}}, in, out)
	assert.Empty(t, out.Get("Connection"))
}

func TestInsertOverwrites(t *testing.T) {
	in := http.Header{}
	out := http.Header{"X-Foo": []string{"old"}}
	Apply([]Rule{{Action: Insert, Name: "X-Foo", Value: "new"}}, in, out)
	assert.Equal(t, "new", out.Get("X-Foo"))
}

func TestRemoveByPattern(t *testing.T) {
	out := http.Header{"X-Secret-A": []string{"1"}, "X-Public": []string{"2"}}
	Apply([]Rule{{Action: Remove, Pattern: regexp.MustCompile(`^X-Secret`)}}, http.Header{}, out)
	assert.Empty(t, out.Get("X-Secret-A"))
	assert.Equal(t, "2", out.Get("X-Public"))
}

func TestRenameDuplicateEmitsBoth(t *testing.T) {
	in := http.Header{"Authorization": []string{"Bearer tok"}}
	out := http.Header{}
	Apply([]Rule{{Action: RenameDuplicate, Name: "Authorization", Rename: "X-Upstream-Auth"}}, in, out)
	assert.Equal(t, "Bearer tok", out.Get("Authorization"))
	assert.Equal(t, "Bearer tok", out.Get("X-Upstream-Auth"))
}

func TestRegexForwardThenExplicitRenameDoesNotDoubleEmit(t *testing.T) {
	in := http.Header{"X-Trace-Foo": []string{"v"}}
	out := http.Header{}
	Apply([]Rule{
		{Action: Forward, Pattern: regexp.MustCompile(`^X-Trace-`)},
		{Action: Forward, Name: "X-Trace-Foo", Rename: "X-Upstream-Trace"},
	}, in, out)
	assert.Empty(t, out.Get("X-Trace-Foo"))
	assert.Equal(t, "v", out.Get("X-Upstream-Trace"))
}

func TestModelRulesOverrideProviderRules(t *testing.T) {
	in := http.Header{}
	out := http.Header{}
	providerRules := []Rule{{Action: Insert, Name: "X-Env", Value: "provider"}}
	modelRules := []Rule{{Action: Insert, Name: "X-Env", Value: "model"}}
	Apply(providerRules, in, out)
	Apply(modelRules, in, out)
	assert.Equal(t, "model", out.Get("X-Env"))
}
