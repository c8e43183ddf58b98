package usecase

// Page locations
const (
	HomeURL          = "https://x.com/home"
	NotificationsURL = "https://x.com/notifications"
	ComposeDMURL     = "https://x.com/messages/compose"
	ProfileURLPrefix = "https://x.com/"
	CookieDomain     = ".x.com"
	AuthCookieName   = "auth_token"
)

// Card-level selectors
const (
	selArticle    = "article"
	selUserName   = `[data-testid="User-Name"]`
	selTweetText  = `[data-testid="tweetText"]`
	selLangBlock  = "div[lang]"
	selReply      = `[data-testid="reply"]`
	selTime       = "time"
	selLink       = "a"
	selButton     = "button"
	selRoleTab    = `[role="tab"]`
	selBody       = "body"
	selAccountBtn = `[data-testid="SideNav_AccountSwitcher_Button"]`
	selProfileTab = `a[data-testid="AppTabBar_Profile_Link"]`
	selUserCell   = `[data-testid="UserCell"]`
)

var shareSelectors = []string{
	`button[aria-label*="分享"]`,
	`button[aria-label*="Share"]`,
	`[data-testid="share"]`,
}

var copyLinkSelectors = []string{`[role="menuitem"]`, "button", `div[role="button"]`, "span"}

var replyEditorSelectors = []string{
	`[data-testid="tweetTextarea_0"] [role="textbox"]`,
	`[data-testid="tweetTextarea_0"]`,
	`div[role="textbox"][contenteditable="true"]`,
}

var replySendSelectors = []string{
	`[data-testid="tweetButton"]`,
	`button[data-testid="tweetButton"]`,
	`[data-testid="tweetButtonInline"]`,
}

var dmButtonSelectors = []string{
	`[data-testid="sendDMFromProfile"]`,
	`[data-testid="sendDM"]`,
	`button[aria-label*="私信"]`,
	`button[aria-label*="发消息"]`,
	`button[aria-label*="Message"]`,
}

var dmEditorSelectors = []string{
	`textarea[data-testid="dm-composer-textarea"]`,
	`textarea[placeholder="Message"]`,
	`textarea[placeholder*="消息"]`,
	`[data-testid="dmComposerTextInput"]`,
	`[data-testid="dmComposerTextInput"] [contenteditable="true"]`,
	`div[role="textbox"][contenteditable="true"]`,
}

var dmSendSelectors = []string{
	`button[data-testid="dm-composer-send-button"]`,
	`[data-testid="dm-composer-send-button"]`,
	`[data-testid*="dm-composer-send"]`,
	`[data-testid="dmComposerSendButton"]`,
	`button[aria-label*="发送"]`,
	`button[aria-label*="Send"]`,
}

var passcodeInputSelectors = []string{
	`input[placeholder*="Passcode"]`,
	`input[aria-label*="Passcode"]`,
	`input[type="password"]`,
	`[data-testid*="passcode"] input`,
}

var passcodeDigitSelectors = []string{
	`input[inputmode="numeric"][maxlength="1"]`,
	`input[maxlength="1"][pattern*="[0-9]"]`,
	`[data-testid*="passcode"] input[maxlength="1"]`,
}

// countedSelectors are counted into diagnostic records
var countedSelectors = []string{
	selArticle, selReply, replyEditorSelectors[0], replySendSelectors[0],
	dmButtonSelectors[0], dmEditorSelectors[0], dmSendSelectors[0],
	passcodeInputSelectors[0], passcodeDigitSelectors[0], selRoleTab,
}

// Keyword sets (lowercase; matched against lowercased text)
var (
	interactionKeywords = []string{
		"点赞了", "liked", "转发了", "reposted", "retweeted", "关注了你", "followed you",
		"视频来源", "retweet了",
	}
	replyHintKeywords = []string{
		"回复了你", "回复了你的帖子", "回复了你的贴文", "提到了你", "在帖子中提到了你",
		"replied to you", "replied to your post", "mentioned you", "mentioned you in a post",
	}
	actionKeywords = []string{
		"replied to you", "mentioned you", "liked", "retweeted", "reposted", "followed you",
		"回复了你", "提到了你", "点赞了", "转发了", "关注了你",
	}
	allTabLabels       = []string{"全部", "all"}
	showMoreKeywords   = []string{"显示更多", "show more", "显示可能", "show additional", "show probable"}
	copyLinkKeywords   = []string{"复制链接", "copy link", "link to post", "link to tweet"}
	switchConfirmWords = []string{"切换", "switch", "确认", "confirm", "是", "yes", "好的", "ok"}
	passcodeHints      = []string{"enter passcode", "输入密码", "passcode"}
	passcodeSubmitKeys = []string{"continue", "submit", "confirm", "unlock", "next", "确定", "继续", "提交", "确认"}
	dmClosedKeywords   = []string{
		"cannot send direct messages",
		"can't be messaged",
		"can’t be messaged",
		"unable to message",
		"you can't message this account",
		"you can’t message this account",
		"该用户无法接收私信",
		"无法向该用户发送私信",
		"不能给该用户发私信",
		"无法发送私信",
	}
)
