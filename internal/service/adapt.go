package service

import (
	"sort"
	"strings"

	"github.com/vipul43/mailvault/internal/jmap"
	"github.com/vipul43/mailvault/internal/models"
)

// adaptMailbox translates the provider's mailbox record into the archive row.
func adaptMailbox(m jmap.Mailbox) models.Mailbox {
	mailbox := models.Mailbox{
		RemoteID:     m.ID,
		Name:         m.Name,
		SortOrder:    m.SortOrder,
		TotalEmails:  m.TotalEmails,
		UnreadEmails: m.UnreadEmails,
	}
	if m.ParentID != "" {
		parent := m.ParentID
		mailbox.ParentRemoteID = &parent
	}
	if m.Role != "" {
		role := m.Role
		mailbox.Role = &role
	}
	return mailbox
}

// adaptEmail translates the provider's email record into the archive row.
func adaptEmail(e jmap.Email) models.Email {
	email := models.Email{
		RemoteID:         e.ID,
		MailboxID:        primaryMailboxID(e.MailboxIDs),
		ToAddresses:      formatAddresses(e.To),
		CcAddresses:      formatAddresses(e.Cc),
		BccAddresses:     formatAddresses(e.Bcc),
		ReplyToAddresses: formatAddresses(e.ReplyTo),
		DateReceived:     e.ReceivedAt,
		DateSent:         e.SentAt,
		References:       models.StringList(e.References),
		Flags:            models.FlagMap(e.Keywords),
		SizeBytes:        e.Size,
	}

	if e.ThreadID != "" {
		threadID := e.ThreadID
		email.ThreadID = &threadID
	}
	if e.Subject != "" {
		subject := e.Subject
		email.Subject = &subject
	}
	if len(e.From) > 0 {
		from := e.From[0].String()
		email.FromAddress = &from
	}
	if len(e.MessageID) > 0 {
		messageID := e.MessageID[0]
		email.MessageID = &messageID
	}
	if len(e.InReplyTo) > 0 {
		inReplyTo := e.InReplyTo[0]
		email.InReplyTo = &inReplyTo
	}

	if text := bodyContent(e.TextBody, e.BodyValues); text != "" {
		email.BodyText = &text
	}
	if html := bodyContent(e.HTMLBody, e.BodyValues); html != "" {
		email.BodyHTML = &html
	}

	for _, part := range e.Attachments {
		email.Attachments = append(email.Attachments, models.Attachment{
			ID:        part.PartID,
			BlobID:    part.BlobID,
			Name:      part.Name,
			MimeType:  part.Type,
			Size:      part.Size,
			ContentID: part.CID,
			Inline:    strings.EqualFold(part.Disposition, "inline"),
		})
	}

	email.ApplyFlags()
	return email
}

// primaryMailboxID picks a deterministic mailbox for an email that the
// provider files into several.
func primaryMailboxID(mailboxIDs map[string]bool) string {
	ids := make([]string, 0, len(mailboxIDs))
	for id, member := range mailboxIDs {
		if member {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}

// formatAddresses renders header addresses as "Name <addr>" strings.
func formatAddresses(addrs []jmap.EmailAddress) models.StringList {
	if len(addrs) == 0 {
		return nil
	}
	list := make(models.StringList, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, a.String())
	}
	return list
}

// bodyContent joins the fetched body values of the given parts in order.
func bodyContent(parts []jmap.BodyPart, values map[string]jmap.BodyValue) string {
	var sections []string
	for _, part := range parts {
		if v, ok := values[part.PartID]; ok && v.Value != "" {
			sections = append(sections, v.Value)
		}
	}
	return strings.Join(sections, "\n")
}

// adaptThreads builds thread rows from the provider's thread records and the
// emails of the current batch. Counts that need full-message knowledge are
// derived from the batch emails belonging to each thread.
func adaptThreads(threads []jmap.Thread, batch []models.Email) []models.Thread {
	byThread := make(map[string][]models.Email)
	for _, email := range batch {
		if email.ThreadID != nil {
			byThread[*email.ThreadID] = append(byThread[*email.ThreadID], email)
		}
	}

	rows := make([]models.Thread, 0, len(threads))
	for _, t := range threads {
		row := models.Thread{
			ID:                t.ID,
			EmailRemoteIDs:    models.StringList(t.EmailIDs),
			MailboxMembership: models.FlagMap{},
			MessageCount:      len(t.EmailIDs),
		}
		for _, email := range byThread[t.ID] {
			if row.Subject == nil && email.Subject != nil {
				row.Subject = email.Subject
			}
			if email.MailboxID != "" {
				row.MailboxMembership[email.MailboxID] = true
			}
			if !email.IsRead {
				row.UnreadCount++
			}
			if email.DateReceived != nil {
				if row.LastMessageDate == nil || email.DateReceived.After(*row.LastMessageDate) {
					received := *email.DateReceived
					row.LastMessageDate = &received
				}
			}
		}
		rows = append(rows, row)
	}
	return rows
}
