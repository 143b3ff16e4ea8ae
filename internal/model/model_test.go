package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFields_Lookup(t *testing.T) {
	f := Fields{
		{Key: "E-mail", Value: "  "},
		{Key: " EMAIL ", Value: " jane@x.com "},
		{Key: "Company", Value: "Acme"},
	}
	assert.Equal(t, "jane@x.com", f.Lookup("Email Address", "email"))
	assert.Equal(t, "", f.Lookup("E-mail"))
	assert.Equal(t, "Acme", f.Lookup("company"))
	assert.Equal(t, 2, f.NonEmpty())

	v, ok := f.Get("Company")
	assert.True(t, ok)
	assert.Equal(t, "Acme", v)
	_, ok = f.Get("company")
	assert.False(t, ok)
}

func TestFields_JSONKeepsOrderAndDuplicates(t *testing.T) {
	f := Fields{{Key: "b", Value: "1"}, {Key: "a", Value: "2"}, {Key: "b", Value: "3"}}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Equal(t, `{"b":"1","a":"2","b":"3"}`, string(data))

	var back Fields
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, f.Equal(back))
	assert.Equal(t, []string{"b", "a", "b"}, back.Keys())

	require.Error(t, json.Unmarshal([]byte(`["a"]`), &back))
}

func TestFields_Clone(t *testing.T) {
	f := Fields{{Key: "a", Value: "1"}}
	c := f.Clone()
	c[0].Value = "2"
	assert.Equal(t, "1", f[0].Value)
	assert.Nil(t, Fields(nil).Clone())
	assert.False(t, f.Equal(c))
}

func TestParseLeadStatus(t *testing.T) {
	st, err := ParseLeadStatus("nurturing")
	require.NoError(t, err)
	assert.Equal(t, LeadStatusNurturing, st)

	_, err = ParseLeadStatus("Won")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeValidation))
}

func TestErrorCodes(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("sync t1: %w", NewError(CodeFetch, "sheet export failed", cause))

	assert.Equal(t, CodeFetch, CodeOf(err))
	assert.True(t, IsCode(err, CodeFetch))
	assert.False(t, IsCode(err, CodeParse))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "sync t1: sheet export failed: dial tcp: refused", err.Error())

	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.False(t, IsCode(nil, CodeFetch))
	assert.Equal(t, "lead not found: l1", NotFoundf("lead", "l1").Error())
	assert.Equal(t, CodeConflict, Conflictf("busy %s", "t1").Code)
}

func TestSyncState_Phase(t *testing.T) {
	now := time.Now()
	msg := "fetch: 500"

	var nilState *SyncState
	assert.Equal(t, SyncPhaseNeverRun, nilState.Phase())
	assert.Equal(t, SyncPhaseNeverRun, (&SyncState{}).Phase())
	assert.Equal(t, SyncPhaseRunning, (&SyncState{IsRunning: true, LastError: &msg}).Phase())
	assert.Equal(t, SyncPhaseFailed, (&SyncState{LastError: &msg, LastSuccessAt: &now}).Phase())
	assert.Equal(t, SyncPhaseSucceeded, (&SyncState{LastSuccessAt: &now}).Phase())
}

func TestEmailHelpers(t *testing.T) {
	assert.Equal(t, "jane@x.com", NormalizeEmail(" Jane@X.com "))
	assert.Equal(t, "x.com", EmailDomain("Jane@X.COM"))
	assert.Equal(t, "", EmailDomain("jane@"))
	assert.Equal(t, "", EmailDomain("nobody"))
}

func TestTenant_HasSheet(t *testing.T) {
	empty := ""
	url := "https://docs.google.com/spreadsheets/d/abc/edit"
	assert.False(t, (&Tenant{}).HasSheet())
	assert.False(t, (&Tenant{SheetURL: &empty}).HasSheet())
	assert.True(t, (&Tenant{SheetURL: &url}).HasSheet())
}
