package email

import (
	"errors"
	"net/smtp"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsync/internal/remote"
)

func TestSendErrorKeepsReplyCode(t *testing.T) {
	err := sendError("failed to set recipient x@y", &textproto.Error{Code: 550, Msg: "mailbox unavailable"})

	var sendErr *remote.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, 550, sendErr.Code)
	assert.True(t, sendErr.Permanent())

	err = sendError("failed to write message", &textproto.Error{Code: 451, Msg: "try later"})
	require.ErrorAs(t, err, &sendErr)
	assert.False(t, sendErr.Permanent())

	plain := sendError("failed to write message", errors.New("broken pipe"))
	assert.False(t, errors.As(plain, &sendErr))
}

func TestChooseAuth(t *testing.T) {
	cfg := remote.TransportConfig{Host: "smtp.example.org", User: "u", Secret: "p"}

	_, isLogin := chooseAuth(cfg, "LOGIN").(*loginAuth)
	assert.True(t, isLogin)

	_, isLogin = chooseAuth(cfg, "PLAIN LOGIN").(*loginAuth)
	assert.False(t, isLogin)

	cfg.OAuth = true
	auth := chooseAuth(cfg, "XOAUTH2")
	mech, resp, err := auth.Start(&smtp.ServerInfo{Name: "smtp.example.org", TLS: true})
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=u\x01auth=Bearer p\x01\x01", string(resp))
}

func TestLoginAuthChallenges(t *testing.T) {
	a := &loginAuth{username: "u", password: "p"}
	resp, err := a.Next([]byte("Username:"), true)
	require.NoError(t, err)
	assert.Equal(t, "u", string(resp))
	resp, err = a.Next([]byte("Password:"), true)
	require.NoError(t, err)
	assert.Equal(t, "p", string(resp))
	_, err = a.Next([]byte("Other:"), true)
	assert.Error(t, err)
}
