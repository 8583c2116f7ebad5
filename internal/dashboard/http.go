package dashboard

import (
	_ "embed"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/citypulse/internal/relay"
)

//go:embed templates/dashboard.html
var pageSource string

var page = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"pct": func(f float64) int { return int(f*100 + 0.5) },
	"ago": func(t time.Time) string { return time.Since(t).Round(time.Second).String() },
}).Parse(pageSource))

type pageData struct {
	Tiles []Tile
	Feed  []relay.Packet
	Now   time.Time
}

// Mount registers the dashboard routes. packets supplies the current set,
// most recent first.
func Mount(r gin.IRouter, packets func() []relay.Packet) {
	r.GET("/dashboard/tiles", func(c *gin.Context) {
		c.JSON(http.StatusOK, Tiles(packets()))
	})
	r.GET("/dashboard/feed", func(c *gin.Context) {
		f := NewFeed(packets())
		c.JSON(http.StatusOK, f.Recent(FeedSize))
	})
	r.GET("/dashboard", func(c *gin.Context) {
		ps := packets()
		f := NewFeed(ps)
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.Status(http.StatusOK)
		if err := page.Execute(c.Writer, pageData{
			Tiles: Tiles(ps),
			Feed:  f.Recent(FeedSize),
			Now:   time.Now(),
		}); err != nil {
			c.Error(err)
		}
	})
}
