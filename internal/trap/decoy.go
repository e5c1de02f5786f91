package trap

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/crnwallet/guard/internal/util"
)

const wordpressError = `<!DOCTYPE html><html><head><title>WordPress &rsaquo; Error</title></head><body><p>There has been a critical error on this website.</p></body></html>`

const fakeAdminForm = `<!DOCTYPE html>
<html>
<head>
    <title>Admin Login</title>
    <style>
        body { font-family: Arial, sans-serif; background: #f5f5f5; margin: 0; padding: 0; display: flex; justify-content: center; align-items: center; height: 100vh; }
        .login-container { background: white; padding: 20px; border-radius: 5px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); width: 320px; }
        .login-container h2 { margin-top: 0; color: #333; }
        input[type="text"], input[type="password"] { width: 100%; padding: 10px; margin: 10px 0; border: 1px solid #ddd; border-radius: 3px; box-sizing: border-box; }
        button { background: #4285f4; color: white; border: none; padding: 10px 15px; border-radius: 3px; cursor: pointer; width: 100%; }
    </style>
</head>
<body>
    <div class="login-container">
        <h2>Admin Login</h2>
        <form method="post">
            <input type="text" name="username" placeholder="Username" required>
            <input type="password" name="password" placeholder="Password" required>
            <button type="submit">Login</button>
        </form>
    </div>
</body>
</html>`

const authFailed = `<h1>Authentication failed. Please try again later.</h1>`

// Decoys serves decoy responses in front of the real router.
type Decoys struct {
	collector      *Collector
	matcher        *Matcher
	trustForwarded bool
}

// NewDecoys returns decoy handlers for the built-in catalogue.
func NewDecoys(c *Collector, trustForwarded bool) *Decoys {
	return &Decoys{collector: c, matcher: NewMatcher(Catalogue), trustForwarded: trustForwarded}
}

// Middleware answers catalogue paths with a decoy response and aborts the
// chain. Other requests pass through untouched.
func (d *Decoys) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if !d.matcher.Match(path) {
			c.Next()
			return
		}
		d.record(c, path)
		Respond(c, path)
	}
}

// Register mounts the decoy admin form and fake API endpoint.
func (d *Decoys) Register(r gin.IRoutes) {
	r.GET(FakeAdminPath, d.FakeAdmin)
	r.POST(FakeAdminPath, d.FakeAdmin)
	r.GET(FakeAPIPath, d.FakeAPI)
}

// FakeAdmin serves a login form and captures anything posted to it.
func (d *Decoys) FakeAdmin(c *gin.Context) {
	origin := d.record(c, FakeAdminPath)
	if c.Request.Method != http.MethodPost {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fakeAdminForm))
		return
	}
	d.collector.CaptureCredential(Credential{
		Origin:    origin,
		Username:  c.PostForm("username"),
		Password:  c.PostForm("password"),
		UserAgent: userAgent(c),
		Path:      FakeAdminPath,
	})
	c.Data(http.StatusUnauthorized, "text/html; charset=utf-8", []byte(authFailed))
}

// FakeAPI mimics an admin API that rejects the caller.
func (d *Decoys) FakeAPI(c *gin.Context) {
	d.record(c, FakeAPIPath)
	c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized access", "code": http.StatusUnauthorized})
}

func (d *Decoys) record(c *gin.Context, path string) string {
	origin, ok := util.ResolveOrigin(c.Request, d.trustForwarded)
	if !ok {
		return ""
	}
	d.collector.OnTrapHit(origin, path, c.Request.Method, userAgent(c))
	return origin
}

// Respond writes the decoy body for path, mimicking the targeted platform.
func Respond(c *gin.Context, path string) {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "wp-") || strings.Contains(lower, "wordpress"):
		c.Data(http.StatusInternalServerError, "text/html; charset=utf-8", []byte(wordpressError))
	case strings.Contains(lower, "admin") || strings.Contains(lower, "login"):
		c.Redirect(http.StatusFound, "/login")
	default:
		c.Status(http.StatusNotFound)
	}
	c.Abort()
}

func userAgent(c *gin.Context) string {
	if ua := c.Request.UserAgent(); ua != "" {
		return ua
	}
	return "Unknown"
}
