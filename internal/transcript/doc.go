// Package transcript exports a conversation for agents to share or archive.
//
// Markdown lists the conversation's details followed by every message as a
// quoted block. HTML converts that Markdown with goldmark and wraps it in a
// standalone page. Message text is escaped before conversion, so user input
// never becomes markup.
package transcript
