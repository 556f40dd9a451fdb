package intent

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type slot string

const (
	slotOperation      slot = "operation"
	slotCDNType        slot = "cdn_type"
	slotSourceType     slot = "source_type"
	slotSource         slot = "source"
	slotOriginPort     slot = "origin_port"
	slotOriginProtocol slot = "origin_protocol"
	slotCache          slot = "cache"
	slotForceHTTPS     slot = "force_https"
	slotHTTP2          slot = "http2"
	slotCertificate    slot = "certificate"
	slotHeader         slot = "header"
	slotDomain         slot = "domain_name"
)

// multiValued slots may appear on several lines; every other slot must
// agree across lines.
var multiValued = map[slot]bool{
	slotSource: true,
	slotCache:  true,
	slotHeader: true,
}

// slotPattern recognizes one slot. value may still reject a match whose
// captured text is outside the vocabulary.
type slotPattern struct {
	slot  slot
	re    *regexp.Regexp
	value func(m []string) (string, bool)
}

// Patterns are tried in order; the first that accepts a line claims it.
var slotPatterns = []slotPattern{
	{slotOperation, regexp.MustCompile(`^(?:请)?(?:帮我)?(添加|新增|创建|删除|移除|修改|更新)(?:一个)?(?:CDN|cdn)?(?:加速)?域名$`), operationValue},
	{slotOperation, regexp.MustCompile(`(?i)^(?:please\s+)?(add|create|delete|remove|update|modify)\s+(?:an?\s+|the\s+)?(?:cdn\s+|accelerated\s+)?domain$`), operationValue},
	{slotCDNType, regexp.MustCompile(`^加速类型\s*[为是:：]?\s*(.+)$`), cdnTypeValue},
	{slotCDNType, regexp.MustCompile(`(?i)^(?:cdn|acceleration)\s+type\s*(?:is|:|=)?\s*(\S+)$`), cdnTypeValue},
	{slotSourceType, regexp.MustCompile(`(?i)^源站类型\s*[为是:：,，]?\s*(ipaddr|domain|oss)$`), lowerValue},
	{slotSourceType, regexp.MustCompile(`(?i)^(?:source|origin)\s+type\s*(?:is|:|=)?\s*(ipaddr|domain|oss)$`), lowerValue},
	{slotSource, regexp.MustCompile(`(?i)^源站(?:的)?(?:IP地址|IP|地址|域名)\s*[为是:：]?\s*(\S+)$`), rawValue},
	{slotSource, regexp.MustCompile(`(?i)^source\s+(?:ip|address|domain|host)\s*(?:is|:|=)?\s*(\S+)$`), rawValue},
	{slotOriginPort, regexp.MustCompile(`^(?:回源端口|源站端口|端口)\s*[为是:：]?\s*(\d+)$`), rawValue},
	{slotOriginPort, regexp.MustCompile(`(?i)^(?:origin|source)\s+port\s*(?:is|:|=)?\s*(\d+)$`), rawValue},
	{slotOriginProtocol, regexp.MustCompile(`(?i)^回源协议\s*[为是:：]?\s*(http|https|follow)$`), lowerValue},
	{slotOriginProtocol, regexp.MustCompile(`(?i)^origin\s+protocol\s*(?:is|:|=)?\s*(http|https|follow)$`), lowerValue},
	{slotCache, regexp.MustCompile(`^(?:设置)?(图片|视频|全部|所有)?(?:文件)?缓存(?:时间)?\s*[为是]?\s*(?:(\d+)\s*(秒钟|秒|分钟|小时|天))?$`), cacheValue},
	{slotCache, regexp.MustCompile(`(?i)^(?:set\s+)?cache(?:\s+(images?|videos?|all|everything|[*/.]\S*))?(?:\s+(?:for|to))?(?:\s+(\d+)\s*(seconds?|minutes?|hours?|days?))?$`), cacheValue},
	{slotForceHTTPS, regexp.MustCompile(`(?i)^(开启|启用|关闭|禁用)?强制(?:跳转)?https$`), switchValue},
	{slotForceHTTPS, regexp.MustCompile(`(?i)^(enable|disable)?\s*force\s+https$`), switchValue},
	{slotHTTP2, regexp.MustCompile(`(?i)^(开启|启用|关闭|禁用|enable|disable)\s*http/?2$`), switchValue},
	{slotCertificate, regexp.MustCompile(`(?i)^(?:证书|(?:https\s+)?cert(?:ificate)?(?:\s+(?:name|id|reference))?)(?:\s*[为是:：=]\s*|\s+(?:is\s+)?)(\S+)$`), rawValue},
	{slotHeader, regexp.MustCompile(`^(?:设置)?(?:自定义)?(?:响应头|HTTP头|http头)\s*[为是]?\s*([A-Za-z0-9-]+)\s*[:：=]\s*(.+)$`), headerValue},
	{slotHeader, regexp.MustCompile(`(?i)^(?:set\s+)?(?:custom\s+|response\s+)*header\s+([A-Za-z0-9-]+)\s*[:=]\s*(.+)$`), headerValue},
	{slotDomain, regexp.MustCompile(`(?i)^(?:(?:加速)?域名|domain(?:\s+name)?)\s*(?:为|是|:|：|=|is)?\s*([a-z0-9.-]+)$`), lowerValue},
	{slotDomain, regexp.MustCompile(`(?i)^((?:[a-z0-9-]+\.)+[a-z]{2,}\.?)$`), lowerValue},
}

func rawValue(m []string) (string, bool) {
	return m[1], true
}

func lowerValue(m []string) (string, bool) {
	return strings.ToLower(m[1]), true
}

func operationValue(m []string) (string, bool) {
	switch strings.ToLower(m[1]) {
	case "添加", "新增", "创建", "add", "create":
		return string(OpCreate), true
	case "删除", "移除", "delete", "remove":
		return string(OpDelete), true
	case "修改", "更新", "update", "modify":
		return string(OpUpdate), true
	}
	return "", false
}

// cdnTypeValue maps the vocabulary of acceleration types. Live must be tested
// before the broader audio/video wording.
func cdnTypeValue(m []string) (string, bool) {
	v := strings.TrimSpace(m[1])
	switch strings.ToLower(v) {
	case "web", "download", "video", "live":
		return strings.ToLower(v), true
	}
	switch {
	case strings.Contains(v, "大文件下载"):
		return "download", true
	case strings.Contains(v, "直播"):
		return "live", true
	case strings.Contains(v, "视音频"), strings.Contains(v, "点播"):
		return "video", true
	case strings.Contains(v, "小文件"):
		return "web", true
	}
	return "", false
}

func switchValue(m []string) (string, bool) {
	switch strings.ToLower(m[1]) {
	case "关闭", "禁用", "disable":
		return "false", true
	}
	return "true", true
}

var cacheUnits = map[string]string{
	"秒":  "second",
	"秒钟": "second",
	"分钟": "minute",
	"小时": "hour",
	"天":  "day",
}

// cacheValue encodes target, magnitude and unit as "target|n|unit". A line
// without a duration gets one hour.
func cacheValue(m []string) (string, bool) {
	var target string
	switch t := strings.ToLower(m[1]); {
	case t == "图片" || strings.HasPrefix(t, "image"):
		target = TargetImage
	case t == "视频" || strings.HasPrefix(t, "video"):
		target = TargetVideo
	case t == "" || t == "全部" || t == "所有" || t == "all" || t == "everything":
		target = TargetAll
	default:
		target = m[1]
	}
	n, unit := "1", "hour"
	if m[2] != "" {
		n = m[2]
		unit = strings.ToLower(m[3])
		if u, ok := cacheUnits[m[3]]; ok {
			unit = u
		}
	}
	return target + "|" + n + "|" + unit, true
}

// headerValue encodes a header as "key:value" with the key lowercased for
// conflict detection; validation restores canonical case.
func headerValue(m []string) (string, bool) {
	return strings.ToLower(m[1]) + ":" + strings.TrimSpace(m[2]), true
}

type slotValue struct {
	value string
	line  int
}

// ParseText reads a free-text block line by line against the fixed slot
// vocabulary. Lines are independent, so their order does not matter; a
// single-valued slot given two different values is an error.
func ParseText(text string) (Intent, error) {
	singles := make(map[slot]slotValue)
	multi := make(map[slot][]slotValue)
	d := &decoder{}
	var unparsed []Fragment

	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lineNo := i + 1
		s, value, ok := matchLine(line)
		if !ok {
			unparsed = append(unparsed, Fragment{Line: lineNo, Text: line})
			continue
		}
		if multiValued[s] {
			multi[s] = append(multi[s], slotValue{value: value, line: lineNo})
			continue
		}
		if prev, seen := singles[s]; seen && prev.value != value {
			d.problemf("conflicting values for %s: %q (line %d) and %q (line %d)", s, prev.value, prev.line, value, lineNo)
			continue
		}
		singles[s] = slotValue{value: value, line: lineNo}
	}

	in := Intent{Operation: OpCreate, Unparsed: unparsed}
	if v, ok := singles[slotOperation]; ok {
		in.Operation = Operation(v.value)
	}
	if v, ok := singles[slotDomain]; ok {
		in.DomainName = strings.TrimSuffix(v.value, ".")
	}
	if v, ok := singles[slotCDNType]; ok {
		in.CDNType = v.value
	}

	sources := multi[slotSource]
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].value < sources[j].value })
	seen := make(map[string]bool)
	for _, v := range sources {
		if seen[v.value] {
			continue
		}
		seen[v.value] = true
		src := sourceFromString(v.value)
		if st, ok := singles[slotSourceType]; ok && src.Type == "" {
			src.Type = st.value
		}
		in.Sources = append(in.Sources, src)
	}
	if st, ok := singles[slotSourceType]; ok && len(in.Sources) == 0 {
		d.problemf("source type %q given without a source address (line %d)", st.value, st.line)
	}

	in.CacheRules = cacheRulesFromSlots(multi[slotCache], d)
	in.Headers = headersFromSlots(multi[slotHeader], d)

	if v, ok := singles[slotOriginPort]; ok {
		port, err := strconv.Atoi(v.value)
		if err != nil {
			d.problemf("origin port %q (line %d): %v", v.value, v.line, err)
		} else {
			in.Origin = ensureOrigin(in.Origin)
			in.Origin.Port = ptr(port)
		}
	}
	if v, ok := singles[slotOriginProtocol]; ok {
		in.Origin = ensureOrigin(in.Origin)
		in.Origin.Protocol = ptr(v.value)
	}

	if v, ok := singles[slotForceHTTPS]; ok {
		in.HTTPS = ensureHTTPS(in.HTTPS)
		in.HTTPS.ForceHTTPS = ptr(v.value == "true")
	}
	if v, ok := singles[slotHTTP2]; ok {
		in.HTTPS = ensureHTTPS(in.HTTPS)
		in.HTTPS.HTTP2 = ptr(v.value == "true")
	}
	if v, ok := singles[slotCertificate]; ok {
		in.HTTPS = ensureHTTPS(in.HTTPS)
		in.HTTPS.CertReference = ptr(v.value)
	}

	if err := d.err(); err != nil {
		return Intent{}, err
	}
	return in, nil
}

func matchLine(line string) (slot, string, bool) {
	for _, p := range slotPatterns {
		m := p.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if v, ok := p.value(m); ok {
			return p.slot, v, true
		}
	}
	return "", "", false
}

// cacheRulesFromSlots builds one rule per target. The same target with two
// different durations is a conflict.
func cacheRulesFromSlots(values []slotValue, d *decoder) []CacheRule {
	byTarget := make(map[string]slotValue)
	for _, v := range values {
		target := strings.SplitN(v.value, "|", 2)[0]
		if prev, ok := byTarget[target]; ok && prev.value != v.value {
			d.problemf("conflicting cache durations for %s (lines %d and %d)", target, prev.line, v.line)
			continue
		}
		byTarget[target] = v
	}
	targets := make([]string, 0, len(byTarget))
	for t := range byTarget {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	var rules []CacheRule
	for _, t := range targets {
		parts := strings.SplitN(byTarget[t].value, "|", 3)
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			d.problemf("cache duration %q (line %d): %v", parts[1], byTarget[t].line, err)
			continue
		}
		rules = append(rules, CacheRule{Pattern: parts[0], Duration: n, Unit: parts[2]})
	}
	return rules
}

// headersFromSlots keeps one header per key. The same key with two different
// values is a conflict.
func headersFromSlots(values []slotValue, d *decoder) []Header {
	byKey := make(map[string]slotValue)
	for _, v := range values {
		key, _, _ := strings.Cut(v.value, ":")
		if prev, ok := byKey[key]; ok && prev.value != v.value {
			d.problemf("conflicting values for header %s (lines %d and %d)", key, prev.line, v.line)
			continue
		}
		byKey[key] = v
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var headers []Header
	for _, k := range keys {
		h, err := ParseHeader(byKey[k].value)
		if err != nil {
			d.problemf("line %d: %v", byKey[k].line, err)
			continue
		}
		headers = append(headers, h)
	}
	return headers
}

func ensureOrigin(o *OriginSettings) *OriginSettings {
	if o == nil {
		return &OriginSettings{}
	}
	return o
}

func ensureHTTPS(h *HTTPSSettings) *HTTPSSettings {
	if h == nil {
		return &HTTPSSettings{}
	}
	return h
}

// String renders a fragment for warnings and error messages.
func (f Fragment) String() string {
	return fmt.Sprintf("line %d: %q", f.Line, f.Text)
}
