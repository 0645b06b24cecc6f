package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet_PublishInSubscriptionOrder(t *testing.T) {
	var s Set[int]
	var got []string

	s.Add(func(v int) { got = append(got, "a") })
	unsubscribe := s.Add(func(v int) { got = append(got, "b") })
	s.Add(func(v int) { got = append(got, "c") })

	s.Publish(1)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	unsubscribe()
	unsubscribe()
	got = nil
	s.Publish(2)
	assert.Equal(t, []string{"a", "c"}, got)
	assert.Equal(t, 2, s.Len())
}

func TestSet_SubscriberMayUnsubscribeDuringPublish(t *testing.T) {
	var s Set[string]
	calls := 0

	var unsubscribe func()
	unsubscribe = s.Add(func(string) {
		calls++
		unsubscribe()
	})

	s.Publish("x")
	s.Publish("y")
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, s.Len())
}
