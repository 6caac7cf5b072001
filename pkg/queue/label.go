package queue

import "strconv"

func nodeLabel(nodeID int) string {
	return strconv.Itoa(nodeID)
}
