package media

import "strings"

// mediaSelector matches media elements directly.
const mediaSelector = "video, audio"

// genericSelectors are tried on every page, in order. They match player
// containers from common player libraries and generic naming conventions.
var genericSelectors = []string{
	"video",
	"audio",
	"[class*='player']",
	"[id*='player']",
	"[class*='video']",
	"[class*='audio']",
	"[class*='media']",
	".video-js",
	".jwplayer",
	".jw-wrapper",
	".plyr",
	".flowplayer",
	".mejs__container",
	".shaka-video-container",
	".vjs-tech",
	".html5-video-player",
	"[data-player]",
	"[data-video-id]",
	"[role='application'][aria-label*='player']",
	"[aria-label*='video']",
	"[itemtype*='VideoObject']",
	"[itemtype*='AudioObject']",
}

// siteSelectors lists extra containers for sites with unusual DOM structures.
// Keys are matched against the hostname and its parent domains.
var siteSelectors = map[string][]string{
	"youtube.com":     {"#movie_player", "ytd-player", "#shorts-player"},
	"netflix.com":     {".watch-video--player-view", ".VideoContainer"},
	"twitch.tv":       {".video-player__container", "[data-a-target='video-player']"},
	"spotify.com":     {"[data-testid='now-playing-widget']"},
	"soundcloud.com":  {".playControls", ".sound__body"},
	"vimeo.com":       {".vp-video-wrapper", ".player"},
	"primevideo.com":  {".webPlayerContainer", ".rendererContainer"},
	"disneyplus.com":  {".btm-media-client-element", "disney-web-player"},
	"bandcamp.com":    {".inline_player"},
	"dailymotion.com": {"#player-body", ".dmp_VideoView"},
}

// selectorsFor returns the generic selectors followed by any overrides for hostname.
func selectorsFor(hostname string) []string {
	out := append([]string(nil), genericSelectors...)
	host := strings.ToLower(strings.TrimPrefix(hostname, "www."))
	for host != "" {
		if extra, ok := siteSelectors[host]; ok {
			out = append(out, extra...)
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return out
}
