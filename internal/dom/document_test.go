package dom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<html><body>
<div id="player" class="video-player"><video id="v1"></video></div>
<section id="host"><template shadowrootmode="open"><audio id="a1"></audio></template><p>light</p></section>
</body></html>`

func tagIDs(t *testing.T, els []Element) []string {
	t.Helper()
	ids := make([]string, 0, len(els))
	for _, el := range els {
		id, _ := el.Attr("id")
		ids = append(ids, id)
	}
	return ids
}

func TestQuerySelectorAllSkipsShadowTrees(t *testing.T) {
	t.Parallel()
	doc, err := ParseString(page)
	require.NoError(t, err)

	found, err := doc.Body().QuerySelectorAll("video, audio")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, tagIDs(t, found))

	host := doc.QuerySelector("#host")
	require.NotNil(t, host)
	sr := host.ShadowRoot()
	require.NotNil(t, sr)

	inShadow, err := sr.QuerySelectorAll("audio")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, tagIDs(t, inShadow))

	assert.Len(t, host.Children(), 1, "shadow template is not a child")
}

func TestHandlesAreStable(t *testing.T) {
	t.Parallel()
	doc, err := ParseString(page)
	require.NoError(t, err)

	a := doc.QuerySelector("#v1")
	b := doc.QuerySelector("video")
	require.NotNil(t, a)
	assert.Same(t, a, b)
	assert.Equal(t, a.Handle(), b.Handle())
}

func TestInvalidSelector(t *testing.T) {
	t.Parallel()
	doc, err := ParseString(page)
	require.NoError(t, err)

	_, err = doc.Body().QuerySelectorAll("div[[")
	assert.Error(t, err)
}

func TestMutationsAreObserved(t *testing.T) {
	t.Parallel()
	doc, err := ParseString(page)
	require.NoError(t, err)

	var records []MutationRecord
	disconnect := doc.Observe(func(r MutationRecord) { records = append(records, r) })

	added, err := doc.Append(doc.Body(), `<div class="late"><video id="v2"></video></div>`)
	require.NoError(t, err)
	require.Len(t, added, 1)

	v1 := doc.QuerySelector("#v1")
	require.NoError(t, doc.Remove(v1))
	assert.ErrorIs(t, doc.Remove(v1), ErrNotAttached)

	require.Len(t, records, 2)
	assert.Len(t, records[0].Added, 1)
	assert.Equal(t, v1.Handle(), records[1].Removed[0].Handle())

	disconnect()
	_, err = doc.Append(doc.Body(), `<p></p>`)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestMediaListenersAreDeduplicated(t *testing.T) {
	t.Parallel()
	doc, err := ParseString(page)
	require.NoError(t, err)
	m, ok := AsMedia(doc.QuerySelector("#v1"))
	require.True(t, ok)

	calls := 0
	l := NewListener(func() { calls++ })
	m.AddEventListener("play", l)
	m.AddEventListener("play", l)

	node := m.(*Node)
	assert.Equal(t, 1, node.ListenerCount("play"))
	node.Dispatch("play")
	assert.Equal(t, 1, calls)

	m.RemoveEventListener("play", l)
	node.Dispatch("play")
	assert.Equal(t, 1, calls)
}

func TestAsMediaRejectsContainers(t *testing.T) {
	t.Parallel()
	doc, err := ParseString(page)
	require.NoError(t, err)

	_, ok := AsMedia(doc.QuerySelector("#player"))
	assert.False(t, ok)
}

func TestWalkVisitsShadowTrees(t *testing.T) {
	t.Parallel()
	doc, err := ParseString(page)
	require.NoError(t, err)

	var media []string
	Walk(doc.Body(), func(el Element) {
		if IsMediaTag(el.TagName()) {
			id, _ := el.Attr("id")
			media = append(media, id)
		}
	})
	assert.ElementsMatch(t, []string{"v1", "a1"}, media)
}
