package usecase

import (
	"context"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

var (
	handlePattern      = regexp.MustCompile(`@[A-Za-z0-9_]{1,30}`)
	bareHandlePattern  = regexp.MustCompile(`^@\w+$`)
	relativeAgePattern = regexp.MustCompile(`^\d+[smhd]$`)
	firstNumberPattern = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*([kKmM万]?)`)
	tailPatterns       = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:回复了你|replied to you)[:：]\s*(.+)$`),
		regexp.MustCompile(`(?i)(?:提到了你|mentioned you)[:：]\s*(.+)$`),
	}
	cleanActionPattern = regexp.MustCompile(`(?i)(回复了你|提到了你|点赞了|转发了|关注了你|\breplied to you\b|\bmentioned you\b|\bliked\b|\bretweeted\b|\breposted\b|\bfollowed you\b)`)
	cleanAgePattern    = regexp.MustCompile(`(?i)\b\d+[smhd]\b`)
	nonWordPattern     = regexp.MustCompile(`[\W_]+`)
	lineSplitPattern   = regexp.MustCompile(`[\r\n]+`)
	wordishPattern     = regexp.MustCompile(`[\p{Han}A-Za-z0-9]`)
	digitsPattern      = regexp.MustCompile(`\d+`)
)

const maxContentLen = 280

func textOf(ctx context.Context, el repo.Element) string {
	if el == nil {
		return ""
	}
	s, err := el.Text(ctx)
	if err != nil {
		return ""
	}
	return s
}

func attrOf(ctx context.Context, el repo.Element, name string) string {
	if el == nil {
		return ""
	}
	s, err := el.Attr(ctx, name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func visible(ctx context.Context, el repo.Element) bool {
	if el == nil {
		return false
	}
	ok, err := el.Visible(ctx)
	return err == nil && ok
}

func queryOne(ctx context.Context, el repo.Element, selector string) repo.Element {
	found, err := el.QueryOne(ctx, selector)
	if err != nil {
		return nil
	}
	return found
}

func queryAll(ctx context.Context, el repo.Element, selector string) []repo.Element {
	found, err := el.QueryAll(ctx, selector)
	if err != nil {
		return nil
	}
	return found
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cardStatus returns the first status reference found in the card's links
func cardStatus(ctx context.Context, card repo.Element) (handle, id string) {
	for _, a := range queryAll(ctx, card, selLink) {
		if h, sid := domain.StatusFromHref(attrOf(ctx, a, "href")); sid != "" {
			return h, sid
		}
	}
	return "", ""
}

// cardStatusIDs returns every status id referenced by the card
func cardStatusIDs(ctx context.Context, card repo.Element) map[string]bool {
	ids := make(map[string]bool)
	for _, a := range queryAll(ctx, card, selLink) {
		if _, sid := domain.StatusFromHref(attrOf(ctx, a, "href")); sid != "" {
			ids[sid] = true
		}
	}
	return ids
}

// cardHandle resolves the author: user-name region, then links, then first @ in the text
func cardHandle(ctx context.Context, card repo.Element, cardText string) string {
	if user := queryOne(ctx, card, selUserName); user != nil {
		if m := handlePattern.FindString(textOf(ctx, user)); m != "" {
			return domain.NormalizeHandle(m)
		}
	}
	for _, a := range queryAll(ctx, card, selLink) {
		href := attrOf(ctx, a, "href")
		if !strings.HasPrefix(href, "/") {
			continue
		}
		if h, _ := domain.StatusFromHref(href); h != "" {
			return h
		}
		if strings.Count(strings.Trim(href, "/"), "/") == 0 {
			if h := domain.HandleFromHref(href); h != "" {
				return h
			}
		}
	}
	if m := handlePattern.FindString(cardText); m != "" {
		return domain.NormalizeHandle(m)
	}
	return ""
}

// cardTimeToken returns the raw time marker used in fallback keys
func cardTimeToken(ctx context.Context, card repo.Element) string {
	t := queryOne(ctx, card, selTime)
	if t == nil {
		return ""
	}
	if dt := attrOf(ctx, t, "datetime"); dt != "" {
		return dt
	}
	return strings.TrimSpace(textOf(ctx, t))
}

// cardAge returns the card's age; ok is false when no time marker parses
func cardAge(ctx context.Context, card repo.Element, now time.Time) (time.Duration, bool) {
	t := queryOne(ctx, card, selTime)
	if t == nil {
		return 0, false
	}
	if dt := attrOf(ctx, t, "datetime"); dt != "" {
		if ts, err := time.Parse(time.RFC3339, dt); err == nil {
			age := now.Sub(ts)
			if age < 0 {
				age = 0
			}
			return age, true
		}
	}
	return parseRelativeAge(textOf(ctx, t))
}

// parseRelativeAge understands "now", "刚刚", "2m", "5 min", "3h", "3小时", "1d", "2天"
func parseRelativeAge(text string) (time.Duration, bool) {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return 0, false
	}
	n := 0
	if m := digitsPattern.FindString(s); m != "" {
		n, _ = strconv.Atoi(m)
	}
	if n <= 0 {
		n = 1
	}
	switch {
	case containsAny(s, []string{"刚刚", "now", "秒", "sec"}):
		return 0, true
	case containsAny(s, []string{"分", "min"}):
		return time.Duration(n) * time.Minute, true
	case containsAny(s, []string{"小时", "hour", "hr"}):
		return time.Duration(n) * time.Hour, true
	case containsAny(s, []string{"天", "day"}):
		return time.Duration(n) * 24 * time.Hour, true
	}
	switch s[len(s)-1] {
	case 's':
		return 0, true
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	}
	return 0, false
}

// replyCount reads the number shown on a card's reply control
func replyCount(ctx context.Context, card repo.Element) int {
	btn := queryOne(ctx, card, selReply)
	if btn == nil {
		return 0
	}
	for _, s := range []string{attrOf(ctx, btn, "aria-label"), textOf(ctx, btn)} {
		m := firstNumberPattern.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(m[2]) {
		case "k":
			v *= 1000
		case "m":
			v *= 1000000
		case "万":
			v *= 10000
		}
		return int(v)
	}
	return 0
}

// userNameCandidates collects display-name fragments to keep them out of content
func userNameCandidates(ctx context.Context, card repo.Element) map[string]bool {
	names := make(map[string]bool)
	user := queryOne(ctx, card, selUserName)
	if user == nil {
		return names
	}
	for _, seg := range lineSplitPattern.Split(textOf(ctx, user), -1) {
		txt := collapseSpace(seg)
		if txt == "" || bareHandlePattern.MatchString(txt) || relativeAgePattern.MatchString(strings.ToLower(txt)) {
			continue
		}
		if txt == "·" || txt == "-" || txt == "|" {
			continue
		}
		names[txt] = true
	}
	return names
}

func displayNameLike(text string, names map[string]bool) bool {
	if names[text] {
		return true
	}
	for name := range names {
		if len([]rune(name)) >= 4 && (strings.HasPrefix(text, name) || strings.HasPrefix(name, text)) {
			return true
		}
	}
	return false
}

func noiseText(text, handle string, names map[string]bool) bool {
	if text == "" {
		return true
	}
	low := strings.ToLower(text)
	if handle != "" && (low == handle || "@"+low == handle) {
		return true
	}
	if bareHandlePattern.MatchString(text) || relativeAgePattern.MatchString(low) {
		return true
	}
	if text == "·" || text == "-" || text == "|" {
		return true
	}
	if displayNameLike(text, names) {
		return true
	}
	if containsAny(low, actionKeywords) && len([]rune(text)) <= 40 {
		cleaned := handlePattern.ReplaceAllString(low, " ")
		cleaned = cleanAgePattern.ReplaceAllString(cleaned, " ")
		for _, k := range actionKeywords {
			cleaned = strings.ReplaceAll(cleaned, k, " ")
		}
		cleaned = strings.TrimSpace(nonWordPattern.ReplaceAllString(cleaned, " "))
		if len([]rune(cleaned)) < 2 {
			return true
		}
	}
	return false
}

var sourceScores = map[string]int{
	"tweetText": 120,
	"lang":      95,
	"tail":      85,
	"line":      70,
	"cleaned":   60,
}

func scoreCandidate(text, source string, names map[string]bool) int {
	score, ok := sourceScores[source]
	if !ok {
		score = 50
	}
	n := len([]rune(text))
	switch {
	case n >= 6 && n <= 180:
		score += 15
	case n < 4:
		score -= 20
	case n > 240:
		score -= 10
	}
	if wordishPattern.MatchString(text) {
		score += 8
	}
	if displayNameLike(text, names) {
		score -= 80
	}
	if bareHandlePattern.MatchString(strings.TrimSpace(text)) {
		score -= 40
	}
	if containsAny(strings.ToLower(text), []string{"replied to you", "mentioned you", "回复了你", "提到了你"}) {
		score -= 25
	}
	return score
}

// cardContent picks the best body text among several candidate sources
func cardContent(ctx context.Context, card repo.Element, cardText, handle string) string {
	names := userNameCandidates(ctx, card)

	type candidate struct{ source, text string }
	var candidates []candidate
	seen := make(map[string]bool)
	add := func(source, text string) {
		t := collapseSpace(text)
		if t == "" || seen[strings.ToLower(t)] {
			return
		}
		seen[strings.ToLower(t)] = true
		candidates = append(candidates, candidate{source, t})
	}

	for _, el := range queryAll(ctx, card, selTweetText) {
		add("tweetText", textOf(ctx, el))
	}
	for _, el := range queryAll(ctx, card, selLangBlock) {
		add("lang", textOf(ctx, el))
	}
	for _, line := range lineSplitPattern.Split(cardText, -1) {
		add("line", line)
	}
	if oneLine := collapseSpace(cardText); oneLine != "" {
		for _, p := range tailPatterns {
			if m := p.FindStringSubmatch(oneLine); m != nil {
				add("tail", m[1])
			}
		}
		cleaned := handlePattern.ReplaceAllString(oneLine, " ")
		cleaned = cleanActionPattern.ReplaceAllString(cleaned, " ")
		cleaned = cleanAgePattern.ReplaceAllString(cleaned, " ")
		cleaned = strings.Trim(collapseSpace(cleaned), " -:|")
		add("cleaned", cleaned)
	}

	best, bestScore := "", -1<<31
	for _, c := range candidates {
		if noiseText(c.text, handle, names) {
			continue
		}
		if s := scoreCandidate(c.text, c.source, names); s > bestScore {
			best, bestScore = c.text, s
		}
	}
	return domain.Truncate(best, maxContentLen)
}

// reorderCards shuffles chunks of 3-7 cards with probability 0.75, keeping every card
func reorderCards(rng *rand.Rand, cards []repo.Element) []repo.Element {
	out := make([]repo.Element, 0, len(cards))
	for i := 0; i < len(cards); {
		size := 3 + rng.Intn(5)
		end := i + size
		if end > len(cards) {
			end = len(cards)
		}
		chunk := append([]repo.Element(nil), cards[i:end]...)
		if len(chunk) > 1 && rng.Float64() < 0.75 {
			rng.Shuffle(len(chunk), func(a, b int) { chunk[a], chunk[b] = chunk[b], chunk[a] })
		}
		out = append(out, chunk...)
		i = end
	}
	return out
}
