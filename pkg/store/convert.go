package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"findkin/pkg/domain"
)

func userToModel(u domain.User) (UserModel, error) {
	caseIDs := u.CaseIDs
	if caseIDs == nil {
		caseIDs = []string{}
	}
	notifications := u.Notifications
	if notifications == nil {
		notifications = []domain.Notification{}
	}
	rawCases, err := json.Marshal(caseIDs)
	if err != nil {
		return UserModel{}, err
	}
	rawNotifications, err := json.Marshal(notifications)
	if err != nil {
		return UserModel{}, err
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return UserModel{
		ID:            u.ID,
		Name:          u.Name,
		Role:          string(u.Role),
		CaseIDs:       datatypes.JSON(rawCases),
		Notifications: datatypes.JSON(rawNotifications),
		CreatedAt:     createdAt,
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func userFromModel(m UserModel) (domain.User, error) {
	var caseIDs []string
	if len(m.CaseIDs) > 0 {
		if err := json.Unmarshal(m.CaseIDs, &caseIDs); err != nil {
			return domain.User{}, err
		}
	}
	var notifications []domain.Notification
	if len(m.Notifications) > 0 {
		if err := json.Unmarshal(m.Notifications, &notifications); err != nil {
			return domain.User{}, err
		}
	}
	return domain.User{
		ID:            m.ID,
		Name:          m.Name,
		Role:          domain.UserRole(m.Role),
		CaseIDs:       caseIDs,
		Notifications: notifications,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

func caseToModel(c domain.Case) (CaseModel, error) {
	flags := c.Flags
	if flags == nil {
		flags = []domain.Flag{}
	}
	timelines := c.Timelines
	if timelines == nil {
		timelines = []domain.TimelineEntry{}
	}
	rawFlags, err := json.Marshal(flags)
	if err != nil {
		return CaseModel{}, err
	}
	rawTimelines, err := json.Marshal(timelines)
	if err != nil {
		return CaseModel{}, err
	}
	var lastSearched *time.Time
	if !c.LastSearchedAt.IsZero() {
		t := c.LastSearchedAt
		lastSearched = &t
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return CaseModel{
		ID:             c.ID,
		Jurisdiction:   c.Jurisdiction,
		ReferenceNo:    c.ReferenceNo,
		PersonName:     c.PersonName,
		Gender:         string(c.Gender),
		Age:            c.Age,
		DateTs:         c.DateTs,
		Location:       c.Location,
		Description:    c.Description,
		Status:         string(c.Status),
		OriginalStatus: string(c.OriginalStatus),
		IsAssigned:     c.IsAssigned,
		OwnerID:        c.OwnerID,
		ReportedBy:     c.ReportedBy,
		Visible:        c.Visible,
		IsFlagged:      c.IsFlagged,
		Flags:          datatypes.JSON(rawFlags),
		Timelines:      datatypes.JSON(rawTimelines),
		LastSearchedAt: lastSearched,
		CreatedAt:      createdAt,
		UpdatedAt:      time.Now().UTC(),
	}, nil
}

func caseFromModel(m CaseModel) (domain.Case, error) {
	var flags []domain.Flag
	if len(m.Flags) > 0 {
		if err := json.Unmarshal(m.Flags, &flags); err != nil {
			return domain.Case{}, err
		}
	}
	var timelines []domain.TimelineEntry
	if len(m.Timelines) > 0 {
		if err := json.Unmarshal(m.Timelines, &timelines); err != nil {
			return domain.Case{}, err
		}
	}
	var lastSearched time.Time
	if m.LastSearchedAt != nil {
		lastSearched = *m.LastSearchedAt
	}
	return domain.Case{
		ID:             m.ID,
		Jurisdiction:   m.Jurisdiction,
		ReferenceNo:    m.ReferenceNo,
		PersonName:     m.PersonName,
		Gender:         domain.Gender(m.Gender),
		Age:            m.Age,
		DateTs:         m.DateTs,
		Location:       m.Location,
		Description:    m.Description,
		Status:         domain.CaseStatus(m.Status),
		OriginalStatus: domain.CaseStatus(m.OriginalStatus),
		IsAssigned:     m.IsAssigned,
		OwnerID:        m.OwnerID,
		ReportedBy:     m.ReportedBy,
		Visible:        m.Visible,
		IsFlagged:      m.IsFlagged,
		Flags:          flags,
		Timelines:      timelines,
		LastSearchedAt: lastSearched,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}, nil
}

// pageNotifications slices the durable log newest-first.
func pageNotifications(all []domain.Notification, offset, limit int) NotificationPage {
	total := len(all)
	unread := 0
	for _, n := range all {
		if !n.IsRead {
			unread++
		}
	}
	// Stored order is append (oldest first); reverse for newest-first paging.
	reversed := make([]domain.Notification, total)
	for i, n := range all {
		reversed[total-1-i] = n
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 10
	}
	end := offset + limit
	if offset > total {
		offset = total
	}
	if end > total {
		end = total
	}
	items := reversed[offset:end]
	page := NotificationPage{
		Items:      items,
		Total:      total,
		Unread:     unread,
		Offset:     offset,
		PageSize:   limit,
		HasMore:    end < total,
		NextOffset: -1,
	}
	if page.HasMore {
		page.NextOffset = end
	}
	if page.Items == nil {
		page.Items = []domain.Notification{}
	}
	return page
}

// partitionRead applies a mark-read request and reports per-id outcomes.
func partitionRead(notifications []domain.Notification, ids []string, all bool) ([]domain.Notification, ReadReceipt) {
	receipt := ReadReceipt{Updated: []string{}, AlreadyRead: []string{}, Invalid: []string{}}
	if all {
		for i := range notifications {
			if notifications[i].IsRead {
				receipt.AlreadyRead = append(receipt.AlreadyRead, notifications[i].ID)
				continue
			}
			notifications[i].IsRead = true
			receipt.Updated = append(receipt.Updated, notifications[i].ID)
		}
		return notifications, receipt
	}
	index := make(map[string]int, len(notifications))
	for i, n := range notifications {
		index[n.ID] = i
	}
	for _, id := range ids {
		i, ok := index[id]
		if !ok {
			receipt.Invalid = append(receipt.Invalid, id)
			continue
		}
		if notifications[i].IsRead {
			receipt.AlreadyRead = append(receipt.AlreadyRead, id)
			continue
		}
		notifications[i].IsRead = true
		receipt.Updated = append(receipt.Updated, id)
	}
	return notifications, receipt
}
