package tikhub

import (
	"net/url"
	"strings"
)

// WebcastEndpoint is the websocket entry point the TikTok web client uses
// for live chat traffic.
const WebcastEndpoint = "wss://webcast16-ws-alisg.tiktok.com/webcast/im/ws_proxy/ws_reuse_supplement/"

// browserVersion is sent pre-escaped, exactly as the web client does.
const browserVersion = "5.0%20(Windows%20NT%2010.0;%20Win64;%20x64)%20AppleWebKit/537.36%20(KHTML,%20like%20Gecko)%20Chrome/143.0.0.0%20Safari/537.36%20Edg/143.0.0.0"

// webcastParams returns the query parameters for a webcast connection in
// the order the web client sends them. The endpoint is picky about both
// the set and the ordering, so this is a positional list rather than
// url.Values.
func webcastParams(roomID string) [][2]string {
	return [][2]string{
		{"version_code", "270000"},
		{"device_platform", "web"},
		{"cookie_enabled", "true"},
		{"screen_width", "2560"},
		{"screen_height", "1440"},
		{"browser_language", "zh-CN"},
		{"browser_platform", "Win32"},
		{"browser_name", "Mozilla"},
		{"browser_version", browserVersion},
		{"browser_online", "true"},
		{"tz_name", "Asia/Hong_Kong"},
		{"app_name", "tiktok_web"},
		{"sup_ws_ds_opt", "1"},
		{"update_version_code", "2.0.0"},
		{"compress", "gzip"},
		{"webcast_language", "zh-Hans"},
		{"ws_direct", "1"},
		{"aid", "1988"},
		{"live_id", "12"},
		{"app_language", "zh-Hans"},
		{"client_enter", "1"},
		{"room_id", url.QueryEscape(roomID)},
		{"identity", "audience"},
		{"history_comment_count", "6"},
		{"last_rtt", "0"},
		{"heartbeat_duration", "10000"},
		{"resp_content_type", "protobuf"},
		{"did_rule", "3"},
	}
}

// BuildWebcastURL assembles the full webcast websocket URL for a room.
// Values are joined verbatim; browser_version is already escaped above.
func BuildWebcastURL(roomID string) string {
	params := webcastParams(roomID)

	var sb strings.Builder
	sb.WriteString(WebcastEndpoint)
	sb.WriteByte('?')
	for i, kv := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(kv[0])
		sb.WriteByte('=')
		sb.WriteString(kv[1])
	}
	return sb.String()
}
