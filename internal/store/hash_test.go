package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuadHashDeterministic(t *testing.T) {
	a := QuadHash("john", "rdf:type", "Human", "default")
	b := QuadHash("john", "rdf:type", "Human", "default")
	assert.Equal(t, a, b)
}

func TestQuadHashDistinguishesPositions(t *testing.T) {
	a := QuadHash("john", "rdf:type", "Human", "default")
	b := QuadHash("Human", "rdf:type", "john", "default")
	assert.NotEqual(t, a, b)
}

func TestQuadHashDistinguishesModels(t *testing.T) {
	a := QuadHash("john", "rdf:type", "Human", "default")
	b := QuadHash("john", "rdf:type", "Human", "robot")
	assert.NotEqual(t, a, b)
}

func TestQuadHashNoConcatenationAmbiguity(t *testing.T) {
	// ("ab", "c") and ("a", "bc") must not collide.
	a := QuadHash("ab", "c", "o", "m")
	b := QuadHash("a", "bc", "o", "m")
	assert.NotEqual(t, a, b)
}

func TestSubscriptionHashDeterministic(t *testing.T) {
	patterns := []string{"?o isIn room"}
	models := []string{"default"}
	a := SubscriptionHash("NEW_INSTANCE", "persistent", "?o", patterns, models)
	b := SubscriptionHash("NEW_INSTANCE", "persistent", "?o", patterns, models)
	assert.Equal(t, a, b)
}

func TestSubscriptionHashSensitiveToTrigger(t *testing.T) {
	patterns := []string{"?o isIn room"}
	a := SubscriptionHash("NEW_INSTANCE", "persistent", "?o", patterns, nil)
	b := SubscriptionHash("NEW_INSTANCE", "ONE_SHOT", "?o", patterns, nil)
	assert.NotEqual(t, a, b)
}
