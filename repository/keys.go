package repository

import "fmt"

// Key layout in the fast store.
const (
	ticketKeyPrefix  = "flash:ticket:"
	ticketKeyPattern = ticketKeyPrefix + "*"
)

func QueueKey(itemID int64) string      { return fmt.Sprintf("flash:queue:%d", itemID) }
func EnqueueSeqKey(itemID int64) string { return fmt.Sprintf("flash:enqueue-seq:%d", itemID) }
func DequeueSeqKey(itemID int64) string { return fmt.Sprintf("flash:dequeue-seq:%d", itemID) }
func LockKey(itemID int64) string       { return fmt.Sprintf("flash:lock:%d", itemID) }
func StockKey(itemID int64) string      { return fmt.Sprintf("flash:stock:%d", itemID) }
func TicketKey(ticketID string) string  { return ticketKeyPrefix + ticketID }

func ActiveKey(itemID int64, userID string) string {
	return fmt.Sprintf("flash:active:%d:%s", itemID, userID)
}
