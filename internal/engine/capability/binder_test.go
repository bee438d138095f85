package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) GetValue(s *userscript.Script, key string) (any, bool, error) {
	args := m.Called(s, key)
	return args.Get(0), args.Bool(1), args.Error(2)
}

func (m *mockStorage) SetValue(s *userscript.Script, key string, value any) error {
	return m.Called(s, key, value).Error(0)
}

func (m *mockStorage) DeleteValue(s *userscript.Script, key string) error {
	return m.Called(s, key).Error(0)
}

func (m *mockStorage) ListValues(s *userscript.Script) ([]string, error) {
	args := m.Called(s)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type mockNetwork struct {
	mock.Mock
}

func (m *mockNetwork) Request(ctx context.Context, s *userscript.Script, req Request) (*Response, error) {
	args := m.Called(ctx, s, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Response), args.Error(1)
}

type recordingUI struct {
	tabs     []string
	commands map[WindowHandle][]MenuCommand
}

func (u *recordingUI) OpenInTab(url string) error {
	u.tabs = append(u.tabs, url)
	return nil
}

func (u *recordingUI) RegisterMenuCommand(w WindowHandle, cmd MenuCommand) error {
	if u.commands == nil {
		u.commands = map[WindowHandle][]MenuCommand{}
	}
	u.commands[w] = append(u.commands[w], cmd)
	return nil
}

type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) Log(s *userscript.Script, message string) {
	l.lines = append(l.lines, s.ID+": "+message)
}

func TestBindExposesFullSet(t *testing.T) {
	set := Bind(context.Background(), &userscript.Script{ID: "a"}, Collaborators{})

	assert.Equal(t, []string{
		"addStyle", "deleteValue", "getResourceText", "getResourceURL", "getValue",
		"listValues", "log", "openInTab", "registerMenuCommand", "setValue", "xmlhttpRequest",
	}, set.Names())
}

func TestStorageScopedToBoundScript(t *testing.T) {
	a := &userscript.Script{ID: "a"}
	b := &userscript.Script{ID: "b"}

	storage := new(mockStorage)
	storage.On("SetValue", a, "k", "va").Return(nil).Once()
	storage.On("SetValue", b, "k", "vb").Return(nil).Once()

	setA := Bind(context.Background(), a, Collaborators{Storage: storage})
	setB := Bind(context.Background(), b, Collaborators{Storage: storage})

	_, err := setA["setValue"]([]any{"k", "va"})
	require.NoError(t, err)
	_, err = setB["setValue"]([]any{"k", "vb"})
	require.NoError(t, err)

	storage.AssertExpectations(t)
}

func TestGetValueDefault(t *testing.T) {
	s := &userscript.Script{ID: "a"}
	storage := new(mockStorage)
	storage.On("GetValue", s, "missing").Return(nil, false, nil)
	storage.On("GetValue", s, "present").Return("stored", true, nil)

	set := Bind(context.Background(), s, Collaborators{Storage: storage})

	v, err := set["getValue"]([]any{"missing", int64(7)})
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = set["getValue"]([]any{"missing"})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = set["getValue"]([]any{"present", "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "stored", v)
}

func TestSetValueRejectsObjects(t *testing.T) {
	set := Bind(context.Background(), &userscript.Script{}, Collaborators{Storage: new(mockStorage)})

	_, err := set["setValue"]([]any{"k", map[string]any{"a": 1}})
	assert.ErrorIs(t, err, ErrUnsupportedValue)

	_, err = set["setValue"]([]any{"k"})
	assert.ErrorIs(t, err, ErrBadArgument)
}

func TestCollaboratorErrorPropagates(t *testing.T) {
	s := &userscript.Script{ID: "a"}
	boom := errors.New("disk full")
	storage := new(mockStorage)
	storage.On("DeleteValue", s, "k").Return(boom)

	set := Bind(context.Background(), s, Collaborators{Storage: storage})
	_, err := set["deleteValue"]([]any{"k"})
	assert.ErrorIs(t, err, boom)
}

func TestMissingCollaborator(t *testing.T) {
	set := Bind(context.Background(), &userscript.Script{}, Collaborators{})

	for _, name := range []string{"getValue", "getResourceURL", "xmlhttpRequest", "openInTab", "addStyle"} {
		_, err := set[name]([]any{"x"})
		assert.ErrorIs(t, err, ErrUnavailable, name)
	}

	_, err := set["log"]([]any{"quiet"})
	assert.NoError(t, err)
}

func TestXMLHTTPRequestCallbacks(t *testing.T) {
	s := &userscript.Script{ID: "a"}
	network := new(mockNetwork)
	network.On("Request", mock.Anything, s, Request{
		Method:  "POST",
		URL:     "http://example.com/api",
		Data:    "x=1",
		Headers: map[string]string{"X-Test": "1"},
	}).Return(&Response{Status: 200, StatusText: "OK", ResponseText: "done"}, nil)

	set := Bind(context.Background(), s, Collaborators{Network: network})

	var loaded map[string]any
	onload := Callback(func(ctx context.Context, args ...any) error {
		loaded = args[0].(map[string]any)
		return nil
	})

	_, err := set["xmlhttpRequest"]([]any{map[string]any{
		"method":  "post",
		"url":     "http://example.com/api",
		"data":    "x=1",
		"headers": map[string]any{"X-Test": int64(1)},
		"onload":  onload,
	}})
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 200, loaded["status"])
	assert.Equal(t, "done", loaded["responseText"])
}

func TestXMLHTTPRequestOnError(t *testing.T) {
	s := &userscript.Script{ID: "a"}
	network := new(mockNetwork)
	network.On("Request", mock.Anything, s, mock.Anything).Return(nil, errors.New("refused"))

	set := Bind(context.Background(), s, Collaborators{Network: network})

	var failure map[string]any
	_, err := set["xmlhttpRequest"]([]any{map[string]any{
		"url": "http://example.com/",
		"onerror": Callback(func(ctx context.Context, args ...any) error {
			failure = args[0].(map[string]any)
			return nil
		}),
	}})
	require.NoError(t, err)
	assert.Equal(t, "refused", failure["error"])

	_, err = set["xmlhttpRequest"]([]any{map[string]any{"url": "http://example.com/"}})
	assert.EqualError(t, err, "refused")
}

func TestRegisterMenuCommand(t *testing.T) {
	ui := &recordingUI{}
	set := Bind(context.Background(), &userscript.Script{ID: "a"}, Collaborators{UI: ui, Window: "win-1"})

	calls := 0
	_, err := set["registerMenuCommand"]([]any{"Do it", Callback(func(ctx context.Context, args ...any) error {
		calls++
		return nil
	})})
	require.NoError(t, err)

	require.Len(t, ui.commands["win-1"], 1)
	cmd := ui.commands["win-1"][0]
	assert.Equal(t, "Do it", cmd.Label)
	assert.Equal(t, "a", cmd.Script)
	require.NoError(t, cmd.Invoke(context.Background()))
	assert.Equal(t, 1, calls)

	_, err = set["registerMenuCommand"]([]any{"No callback", "nope"})
	assert.ErrorIs(t, err, ErrBadArgument)
}

func TestMenuCallbackRunsUnderTriggerContext(t *testing.T) {
	s := &userscript.Script{ID: "a"}
	network := new(mockNetwork)
	live := mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })
	network.On("Request", live, s, mock.Anything).Return(&Response{Status: 200}, nil).Once()

	injection, cancel := context.WithCancel(context.Background())
	ui := &recordingUI{}
	set := Bind(injection, s, Collaborators{UI: ui, Network: network, Window: "win-1"})

	var fetchErr error
	_, err := set["registerMenuCommand"]([]any{"Fetch", Callback(func(ctx context.Context, args ...any) error {
		_, fetchErr = set["xmlhttpRequest"]([]any{map[string]any{"url": "http://example.com/"}})
		return nil
	})})
	require.NoError(t, err)

	cancel()
	require.NoError(t, ui.commands["win-1"][0].Invoke(context.Background()))
	assert.NoError(t, fetchErr)
	network.AssertExpectations(t)
}

func TestLogAndObserve(t *testing.T) {
	logger := &recordingLogger{}
	var observed []string
	set := Bind(context.Background(), &userscript.Script{ID: "a"}, Collaborators{
		Logger:  logger,
		Observe: func(name string, err error) { observed = append(observed, name) },
	})

	_, err := set["log"]([]any{"hello", int64(3)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a: hello 3"}, logger.lines)
	assert.Equal(t, []string{"log"}, observed)
}
