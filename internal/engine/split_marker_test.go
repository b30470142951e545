package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/automn-run/automn/internal/markers"
)

// The return marker may arrive split across chunk reads; the rolling tail
// must still detect it without rescanning accumulated stdout.
func TestAppend_DetectsMarkerAcrossChunks(t *testing.T) {
	st := &runState{}
	defer st.stopTimers()

	st.append("stdout", "some output\n"+markers.MarkerReturn[:7])
	assert.False(t, st.returnSeen)

	st.append("stdout", markers.MarkerReturn[7:]+`"done"`+"\n")
	assert.True(t, st.returnSeen)
}

func TestAppend_TailStaysBounded(t *testing.T) {
	st := &runState{}
	defer st.stopTimers()

	for i := 0; i < 100; i++ {
		st.append("stdout", "plenty of plain output with no markers in it\n")
	}
	assert.False(t, st.returnSeen)
	assert.LessOrEqual(t, len(st.tail), len(markers.MarkerReturn)-1)

	st.append("stdout", markers.MarkerReturn+"1\n")
	assert.True(t, st.returnSeen)
}

func TestAppend_StderrNeverTriggersReturn(t *testing.T) {
	st := &runState{}
	defer st.stopTimers()

	st.append("stderr", markers.MarkerReturn+"1\n")
	assert.False(t, st.returnSeen)
}
