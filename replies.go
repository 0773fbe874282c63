package sbncng

import "fmt"

// replyDef is one row of the numeric reply table: its three-digit code
// and an optional template for the trailing text. sendReply uses a
// template as-is when the caller supplies no text; templates carrying a
// %s verb are formatted by their callers.
type replyDef struct {
	code     int
	template string
}

var replies = map[string]replyDef{
	"RPL_WELCOME":          {1, "Welcome to the Internet Relay Network %s"},
	"RPL_ISUPPORT":         {5, "are supported by this server"},
	"RPL_NOTOPIC":          {331, "No topic is set"},
	"RPL_TOPIC":            {332, ""},
	"RPL_TOPICWHOTIME":     {333, ""},
	"RPL_NAMREPLY":         {353, ""},
	"RPL_ENDOFNAMES":       {366, "End of NAMES list"},
	"RPL_MOTDSTART":        {375, "- %s Message of the day -"},
	"RPL_MOTD":             {372, "- %s"},
	"RPL_ENDMOTD":          {376, "End of MOTD command"},
	"ERR_NOTEXTTOSEND":     {412, "No text to send"},
	"ERR_UNKNOWNCOMMAND":   {421, "Unknown command"},
	"ERR_NOMOTD":           {422, "MOTD File is missing"},
	"ERR_NONICKNAMEGIVEN":  {431, "No nickname given"},
	"ERR_ERRONEUSNICKNAME": {432, "Erroneous nickname"},
	"ERR_NEEDMOREPARAMS":   {461, "Not enough parameters."},
	"ERR_ALREADYREGISTRED": {462, "Unauthorized command (already registered)"},
}

// numeric formats code as a zero-padded three-digit string, e.g. "001".
func numeric(code int) string {
	return fmt.Sprintf("%03d", code)
}

// sendReply looks up name in the numeric table, formats its numeric code,
// and enqueues a line of the form ":server CODE nick middle... :trailing"
// to c. middle carries any leading parameters (e.g. a channel name)
// before the trailing text. text, if non-empty, is used verbatim as the
// trailing text; callers whose reply carries call-specific text (e.g.
// RPL_WELCOME's hostmask, RPL_TOPIC's topic string) are expected to
// format it themselves. If text is empty, the table's static template is
// used as-is.
func (c *ConnectionBase) sendReply(name string, middle []string, text string) {
	def, ok := replies[name]
	if !ok {
		return
	}

	if text == "" {
		text = def.template
	}

	nickDisplay := "*"
	if me := c.Me(); me != nil && me.Name() != "" {
		nickDisplay = me.Name()
	}

	params := append([]string{nickDisplay}, middle...)
	params = append(params, text)

	serverName := ""
	if s := c.Server(); s != nil {
		serverName = s.Name()
	}

	c.sendMessage(serverName, numeric(def.code), params...)
}
