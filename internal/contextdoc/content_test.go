package contextdoc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/chirino/workspace-service/internal/layering"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func singleVersion(t *testing.T) Content {
	t.Helper()
	c, err := Normalize(json.RawMessage(`{"text":"hello","tables":["orders"]}`), t0, "u1")
	require.NoError(t, err)
	return c
}

func TestNormalizeLegacyContent(t *testing.T) {
	c := singleVersion(t)
	require.Len(t, c.Versions, 1)
	require.Equal(t, 1, c.Versions[0].Version)
	require.Equal(t, "u1", c.Versions[0].CreatedBy)
	require.JSONEq(t, `{"text":"hello","tables":["orders"]}`, string(c.Versions[0].Payload))
	require.Equal(t, map[string]int{AudienceAll: 1}, c.Published)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	c := singleVersion(t)
	raw, err := c.Encode()
	require.NoError(t, err)

	again, err := Normalize(raw, t0.Add(time.Hour), "someone-else")
	require.NoError(t, err)
	require.True(t, c.Equal(again))
}

func TestNormalizeRejectsEmptyVersions(t *testing.T) {
	_, err := Normalize(json.RawMessage(`{"versions":[],"published":{}}`), t0, "u1")
	var ve *registrystore.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestCreatePublishDeleteFlow(t *testing.T) {
	c := singleVersion(t)

	c2, v, err := c.CreateVersion(1, "draft", "u2", t0)
	require.NoError(t, err)
	require.Equal(t, 2, v)
	require.Len(t, c2.Versions, 2)
	require.Equal(t, map[string]int{AudienceAll: 1}, c2.Published)
	require.Equal(t, "draft", c2.Versions[1].Description)
	require.JSONEq(t, string(c2.Versions[0].Payload), string(c2.Versions[1].Payload))
	// The receiver is never modified.
	require.Len(t, c.Versions, 1)

	c3, err := c2.PublishVersion(2, "")
	require.NoError(t, err)
	require.Equal(t, 2, c3.Published[AudienceAll])

	c4, err := c3.DeleteVersion(1)
	require.NoError(t, err)
	require.Len(t, c4.Versions, 1)
	require.Equal(t, 2, c4.Versions[0].Version)
}

func TestDeleteVersionInvariants(t *testing.T) {
	c := singleVersion(t)

	var ce *registrystore.ConstraintError
	_, err := c.DeleteVersion(1)
	require.ErrorAs(t, err, &ce)

	c2, _, err := c.CreateVersion(1, "", "u1", t0)
	require.NoError(t, err)
	c3, err := c2.PublishVersion(2, "u7")
	require.NoError(t, err)

	// Version 1 is published to everyone, version 2 to u7.
	for _, v := range []int{1, 2} {
		before, err := c3.Encode()
		require.NoError(t, err)
		_, err = c3.DeleteVersion(v)
		require.ErrorAs(t, err, &ce)
		after, err := c3.Encode()
		require.NoError(t, err)
		require.JSONEq(t, string(before), string(after))
	}

	var nf *registrystore.NotFoundError
	_, err = c3.DeleteVersion(9)
	require.ErrorAs(t, err, &nf)
}

func TestVersionNumbersNeverReused(t *testing.T) {
	c := singleVersion(t)
	c, _, err := c.CreateVersion(1, "", "u1", t0)
	require.NoError(t, err)
	c, _, err = c.CreateVersion(1, "", "u1", t0)
	require.NoError(t, err)
	c, err = c.DeleteVersion(2)
	require.NoError(t, err)

	_, v, err := c.CreateVersion(3, "", "u1", t0)
	require.NoError(t, err)
	require.Equal(t, 4, v)
}

func TestResolvePublished(t *testing.T) {
	c := singleVersion(t)
	c, _, err := c.CreateVersion(1, "", "u1", t0)
	require.NoError(t, err)
	c, err = c.PublishVersion(2, "u7")
	require.NoError(t, err)

	require.Equal(t, 2, c.ResolvePublished("u7"))
	require.Equal(t, 1, c.ResolvePublished("u8"))
	require.Equal(t, 1, c.ResolvePublished(""))
}

func TestTransitionErrors(t *testing.T) {
	c := singleVersion(t)
	var ve *registrystore.ValidationError
	var nf *registrystore.NotFoundError

	_, _, err := c.CreateVersion(5, "", "u1", t0)
	require.ErrorAs(t, err, &ve)
	_, err = c.PublishVersion(5, "")
	require.ErrorAs(t, err, &ve)
	_, err = c.EditVersion(5, layering.Fields{"text": json.RawMessage(`"x"`)})
	require.ErrorAs(t, err, &nf)
}

func TestEditVersionMergesShallowly(t *testing.T) {
	c := singleVersion(t)
	edited, err := c.EditVersion(1, layering.Fields{"text": json.RawMessage(`"bye"`), "extra": json.RawMessage(`true`)})
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"bye","tables":["orders"],"extra":true}`, string(edited.Versions[0].Payload))
	require.JSONEq(t, `{"text":"hello","tables":["orders"]}`, string(c.Versions[0].Payload))
}

func TestValidate(t *testing.T) {
	require.NoError(t, singleVersion(t).Validate())

	cases := map[string]struct {
		raw   string
		field string
	}{
		"dangling audience": {`{"versions":[{"version":1,"payload":{}}],"published":{"all":1,"u2":4}}`, "published"},
		"duplicate version": {`{"versions":[{"version":1,"payload":{}},{"version":1,"payload":{}}],"published":{"all":1}}`, "versions"},
		"zero version":      {`{"versions":[{"version":0,"payload":{}}],"published":{"all":0}}`, "versions"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := Normalize(json.RawMessage(tc.raw), t0, "u1")
			require.NoError(t, err)
			err = c.Validate()
			var ve *registrystore.ValidationError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, tc.field, ve.Field)
		})
	}
}
