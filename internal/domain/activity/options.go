package activity

// ListActivityOptions provides filtering options for listing activity.
type ListActivityOptions struct {
	SessionID    *string
	UserID       *string
	ScanKey      *string
	ActivityType *ActivityType
	Limit        int
	Offset       int
}
