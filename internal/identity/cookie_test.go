package identity

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// requestWithCookies replays the cookies set on rec.
func requestWithCookies(rec *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func TestCookieManager_IssueAndParse(t *testing.T) {
	m := NewCookieManager(testSecret, "sess", time.Hour)
	rec := httptest.NewRecorder()

	require.NoError(t, m.Issue(rec, httptest.NewRequest(http.MethodGet, "/", nil), "sid-1"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "sess", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.False(t, cookies[0].Secure)

	sid, err := m.Parse(requestWithCookies(rec))
	require.NoError(t, err)
	assert.Equal(t, "sid-1", sid)
}

func TestCookieManager_SecureBehindTLS(t *testing.T) {
	m := NewCookieManager(testSecret, "sess", time.Hour)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	require.NoError(t, m.Issue(rec, req, "sid"))
	assert.True(t, rec.Result().Cookies()[0].Secure)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.TLS = &tls.ConnectionState{}
	require.NoError(t, m.Issue(rec, req, "sid"))
	assert.True(t, rec.Result().Cookies()[0].Secure)
}

func TestCookieManager_RejectsForeignSignature(t *testing.T) {
	issuer := NewCookieManager("another-secret-another-secret-xx", "sess", time.Hour)
	rec := httptest.NewRecorder()
	require.NoError(t, issuer.Issue(rec, httptest.NewRequest(http.MethodGet, "/", nil), "sid"))

	m := NewCookieManager(testSecret, "sess", time.Hour)
	_, err := m.Parse(requestWithCookies(rec))
	assert.Error(t, err)
}

func TestCookieManager_RejectsExpired(t *testing.T) {
	m := NewCookieManager(testSecret, "sess", -time.Minute)
	rec := httptest.NewRecorder()
	require.NoError(t, m.Issue(rec, httptest.NewRequest(http.MethodGet, "/", nil), "sid"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sess", Value: rec.Result().Cookies()[0].Value})
	_, err := m.Parse(req)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestCookieManager_RejectsNoneAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{SessionID: "sid"})
	unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sess", Value: unsigned})

	_, err = NewCookieManager(testSecret, "sess", time.Hour).Parse(req)
	assert.Error(t, err)
}

func TestCookieManager_MissingCookie(t *testing.T) {
	_, err := NewCookieManager(testSecret, "sess", time.Hour).Parse(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, http.ErrNoCookie)
}

func TestCookieManager_Clear(t *testing.T) {
	rec := httptest.NewRecorder()
	NewCookieManager(testSecret, "sess", time.Hour).Clear(rec)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "sess", cookies[0].Name)
	assert.Less(t, cookies[0].MaxAge, 0)
}
