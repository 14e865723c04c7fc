package binding

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func clearEnv(t *testing.T) {
	for _, name := range []string{EnvCluster, EnvNamespace, EnvApplication, EnvTask, EnvZK, EnvDebug, EnvStart, EnvLocal, EnvPort, "PORT_8080"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestProbeLocalDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvLocal, "true")

	r := Probe(LocalNodeDetails{})

	assert.Equal(t, "127.0.0.1", r.IP)
	assert.Equal(t, "127.0.0.1", r.Public)
	assert.Equal(t, "local", r.Node)
	assert.Equal(t, []string{"127.0.0.1:2181"}, r.ZK)
	assert.Equal(t, "default", r.Cluster)
	assert.Equal(t, "marathon", r.Namespace)
	assert.Equal(t, "marathon.default", r.Key)
}

func TestProbeQualifiesKeyWithNamespace(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvLocal, "true")
	t.Setenv(EnvNamespace, "staging")
	t.Setenv(EnvCluster, "web")

	r := Probe(LocalNodeDetails{})

	assert.Equal(t, "web", r.Cluster)
	assert.Equal(t, "staging", r.Namespace)
	assert.Equal(t, "staging.web", r.Key)
}

func TestProbeParsesPortVars(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvLocal, "true")
	t.Setenv("PORT_8080", "31000")

	r := Probe(LocalNodeDetails{})

	assert.Equal(t, 31000, r.Ports["8080"])
}

func TestProbeNonLocalUsesNodeDetailsAndZKEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvZK, "10.0.0.1:2181,10.0.0.2:2181")

	type fakeDetails struct{ LocalNodeDetails }

	r := Probe(fakeDetails{})

	assert.Equal(t, []string{"10.0.0.1:2181", "10.0.0.2:2181"}, r.ZK)
}
